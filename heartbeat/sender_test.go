package heartbeat

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
)

func newTestSender(t *testing.T, msgBus bus.MessageBus, interval time.Duration) *Sender {
	t.Helper()
	sender, err := NewSender(SenderConfig{
		Bus:      msgBus,
		AgentID:  "agent-1",
		Service:  "data-agent",
		Version:  "1.0.0",
		Tools:    []Tool{{Name: "validate", Description: "validates things"}},
		Interval: interval,
	})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}
	return sender
}

func recvHeartbeat(t *testing.T, sub bus.Subscription) *Heartbeat {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		hb, err := Unmarshal(msg.Data)
		if err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		return hb
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}
	return nil
}

// --- Unit Tests ---

func TestHeartbeat_Marshal(t *testing.T) {
	hb := &Heartbeat{
		AgentID:   "agent-1",
		Service:   "data-agent",
		Version:   "1.0.0",
		Timestamp: 1700000000123,
		Tools: []Tool{{
			Name:        "validate",
			InputSchema: map[string]interface{}{"type": "object"},
		}},
		Metadata: map[string]interface{}{"region": "us-west"},
	}

	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("raw decode: %v", err)
	}
	for _, key := range []string{"agentId", "service", "version", "timestamp", "tools", "metadata"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire field %q in %s", key, data)
		}
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if parsed.AgentID != "agent-1" || parsed.Service != "data-agent" {
		t.Errorf("identity = %q/%q", parsed.AgentID, parsed.Service)
	}
	if parsed.Timestamp != hb.Timestamp {
		t.Errorf("Timestamp = %d, want %d", parsed.Timestamp, hb.Timestamp)
	}
	if len(parsed.Tools) != 1 || parsed.Tools[0].InputSchema["type"] != "object" {
		t.Errorf("Tools = %+v", parsed.Tools)
	}
	if parsed.Metadata["region"] != "us-west" {
		t.Errorf("Metadata[region] = %v", parsed.Metadata["region"])
	}
}

func TestHeartbeat_MarshalEmptyTools(t *testing.T) {
	hb := &Heartbeat{AgentID: "agent-1", Service: "svc"}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	if string(raw["tools"]) != "[]" {
		t.Errorf("tools = %s, want []", raw["tools"])
	}
}

func TestHeartbeat_Valid(t *testing.T) {
	tests := []struct {
		name string
		hb   Heartbeat
		want bool
	}{
		{"complete", Heartbeat{AgentID: "a", Service: "s"}, true},
		{"no agent", Heartbeat{Service: "s"}, false},
		{"no service", Heartbeat{AgentID: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.hb.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeartbeat_TimeAndToolNames(t *testing.T) {
	hb := &Heartbeat{
		Timestamp: 1700000000123,
		Tools:     []Tool{{Name: "a"}, {Name: "b"}},
	}
	if !hb.Time().Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("Time() = %v", hb.Time())
	}
	names := hb.ToolNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("ToolNames() = %v", names)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSenderConfig_Validate(t *testing.T) {
	memBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer memBus.Close()

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     SenderConfig{Bus: memBus, AgentID: "agent-1", Service: "svc"},
			wantErr: false,
		},
		{
			name:    "missing bus",
			cfg:     SenderConfig{AgentID: "agent-1", Service: "svc"},
			wantErr: true,
		},
		{
			name:    "missing agent id",
			cfg:     SenderConfig{Bus: memBus, Service: "svc"},
			wantErr: true,
		},
		{
			name:    "missing service",
			cfg:     SenderConfig{Bus: memBus, AgentID: "agent-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSender_BuildUsesClock(t *testing.T) {
	memBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer memBus.Close()

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sender, err := NewSender(SenderConfig{
		Bus:     memBus,
		AgentID: "agent-1",
		Service: "svc",
		Now:     func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}

	hb := sender.Build()
	if hb.Timestamp != fixed.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", hb.Timestamp, fixed.UnixMilli())
	}
	if hb.Tools == nil {
		t.Error("Tools should be non-nil")
	}
	if hb.Metadata != nil {
		t.Errorf("Metadata = %v, want nil", hb.Metadata)
	}
}

// --- Integration Tests ---

func TestSender_StartStop(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, 50*time.Millisecond)

	sub, _ := msgBus.Subscribe(SubjectHeartbeat)
	defer sub.Unsubscribe()

	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	hb := recvHeartbeat(t, sub)
	if hb.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want %q", hb.AgentID, "agent-1")
	}
	if hb.Version != "1.0.0" || len(hb.Tools) != 1 || hb.Tools[0].Name != "validate" {
		t.Errorf("unexpected heartbeat: %+v", hb)
	}

	if err := sender.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestSender_DoubleStart(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, 50*time.Millisecond)

	ctx := context.Background()
	sender.Start(ctx)
	defer sender.Stop()

	err := sender.Start(ctx)
	if err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSender_StopBeforeStart(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, 50*time.Millisecond)

	err := sender.Stop()
	if err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestSender_StartOnClosedBus(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	sender := newTestSender(t, msgBus, time.Hour)
	msgBus.Close()

	if err := sender.Start(context.Background()); err == nil {
		sender.Stop()
		t.Fatal("expected error starting on closed bus")
	}
	// A failed start leaves the sender restartable.
	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestSender_DiscoveryTriggersBeat(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	// Long interval so only the initial beat and the poke produce traffic.
	sender := newTestSender(t, msgBus, time.Hour)

	sub, _ := msgBus.Subscribe(SubjectHeartbeat)
	defer sub.Unsubscribe()

	sender.Start(context.Background())
	defer sender.Stop()

	recvHeartbeat(t, sub)

	if err := msgBus.Publish(SubjectDiscovery, []byte("{}")); err != nil {
		t.Fatalf("Publish discovery: %v", err)
	}

	hb := recvHeartbeat(t, sub)
	if hb.AgentID != "agent-1" {
		t.Errorf("AgentID = %q after discovery", hb.AgentID)
	}
}

func TestSender_SetTools(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, time.Hour)
	sender.SetTools([]Tool{{Name: "summarize"}})
	sender.AddTool(Tool{Name: "translate"})

	sub, _ := msgBus.Subscribe(SubjectHeartbeat)
	defer sub.Unsubscribe()

	sender.Start(context.Background())
	defer sender.Stop()

	hb := recvHeartbeat(t, sub)
	names := hb.ToolNames()
	if len(names) != 2 || names[0] != "summarize" || names[1] != "translate" {
		t.Errorf("ToolNames = %v", names)
	}
}

func TestSender_SetMetadata(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, time.Hour)
	sender.SetMetadata("region", "us-west")

	sub, _ := msgBus.Subscribe(SubjectHeartbeat)
	defer sub.Unsubscribe()

	sender.Start(context.Background())
	defer sender.Stop()

	hb := recvHeartbeat(t, sub)
	if hb.Metadata["region"] != "us-west" {
		t.Errorf("Metadata[region] = %v, want us-west", hb.Metadata["region"])
	}
}

func TestSender_ContextCancel(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	sender.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for sender.running.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted after cancel, got %v", err)
	}
}

func TestSender_PublishFailureKeepsRunning(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	sender := newTestSender(t, msgBus, 10*time.Millisecond)

	sender.Start(context.Background())
	msgBus.Close()
	time.Sleep(40 * time.Millisecond)

	if err := sender.Beat(); err == nil {
		t.Error("expected Beat to fail on closed bus")
	}
	if err := sender.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

// --- System Tests ---

func TestSender_MultipleHeartbeats(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender := newTestSender(t, msgBus, 30*time.Millisecond)

	sub, _ := msgBus.Subscribe(SubjectHeartbeat)
	defer sub.Unsubscribe()

	var received int32
	done := make(chan struct{})
	go func() {
		for range sub.Messages() {
			if atomic.AddInt32(&received, 1) >= 3 {
				close(done)
				return
			}
		}
	}()

	sender.Start(context.Background())
	defer sender.Stop()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Errorf("received only %d heartbeats, wanted at least 3", atomic.LoadInt32(&received))
	}
	if sender.Sent() < 3 {
		t.Errorf("Sent() = %d, want >= 3", sender.Sent())
	}
}

// --- Performance Tests ---

func BenchmarkHeartbeat_Marshal(b *testing.B) {
	hb := &Heartbeat{
		AgentID:   "agent-benchmark",
		Service:   "bench",
		Timestamp: time.Now().UnixMilli(),
		Tools:     []Tool{{Name: "a"}, {Name: "b"}},
		Metadata:  map[string]interface{}{"version": "1.0.0", "region": "us-west"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hb.Marshal()
	}
}

func BenchmarkHeartbeat_Unmarshal(b *testing.B) {
	hb := &Heartbeat{
		AgentID:   "agent-benchmark",
		Service:   "bench",
		Timestamp: time.Now().UnixMilli(),
		Tools:     []Tool{{Name: "a"}, {Name: "b"}},
	}
	data, _ := hb.Marshal()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Unmarshal(data)
	}
}
