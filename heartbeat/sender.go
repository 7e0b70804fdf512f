package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/logging"
)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// AgentID is the unique identifier for this agent instance.
	AgentID string

	// Service and Version identify what the agent is.
	Service string
	Version string

	// Tools advertised in every heartbeat.
	Tools []Tool

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// Now stamps heartbeats. Default: time.Now
	Now func() time.Time

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" || c.Service == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

// Sender publishes a heartbeat immediately on Start, then every Interval,
// and once more for every discovery poke it sees. Publish failures are
// logged and the loop keeps going.
type Sender struct {
	bus      bus.MessageBus
	agentID  string
	service  string
	version  string
	interval time.Duration
	now      func() time.Time
	log      *logging.Logger

	mu       sync.RWMutex
	tools    []Tool
	metadata map[string]interface{}

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	sent    atomic.Int64
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Sender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		service:  cfg.Service,
		version:  cfg.Version,
		interval: interval,
		now:      now,
		log:      logger.WithComponent("heartbeat"),
		tools:    append([]Tool(nil), cfg.Tools...),
		metadata: make(map[string]interface{}),
	}, nil
}

// Start subscribes to discovery pokes and begins the heartbeat loop.
// The loop ends on Stop or when ctx is done.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	disc, err := s.bus.Subscribe(SubjectDiscovery)
	if err != nil {
		s.running.Store(false)
		return err
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx, disc)
	return nil
}

func (s *Sender) run(ctx context.Context, disc bus.Subscription) {
	defer close(s.doneCh)
	defer disc.Unsubscribe()

	s.Beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pokes := disc.Messages()
	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Beat()
		case _, ok := <-pokes:
			if !ok {
				// Bus closed under us; keep ticking so the error is visible.
				pokes = nil
				continue
			}
			s.Beat()
		}
	}
}

// Beat publishes one heartbeat now.
func (s *Sender) Beat() error {
	hb := s.Build()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(SubjectHeartbeat, data); err != nil {
		s.log.Warn("heartbeat_failed", map[string]interface{}{
			"agent": s.agentID,
			"error": err.Error(),
		})
		return err
	}
	s.sent.Add(1)
	return nil
}

// Build returns the heartbeat that would be sent now.
func (s *Sender) Build() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		AgentID:   s.agentID,
		Service:   s.service,
		Version:   s.version,
		Timestamp: s.now().UnixMilli(),
		Tools:     append([]Tool{}, s.tools...),
	}

	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]interface{}, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}

	return hb
}

// SetTools replaces the advertised tool list.
func (s *Sender) SetTools(tools []Tool) {
	s.mu.Lock()
	s.tools = append([]Tool(nil), tools...)
	s.mu.Unlock()
}

// AddTool appends to the advertised tool list.
func (s *Sender) AddTool(tool Tool) {
	s.mu.Lock()
	s.tools = append(s.tools, tool)
	s.mu.Unlock()
}

// SetMetadata updates a metadata field.
func (s *Sender) SetMetadata(key string, value interface{}) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// AgentID returns the sender's agent ID.
func (s *Sender) AgentID() string {
	return s.agentID
}

// Sent returns how many heartbeats were published successfully.
func (s *Sender) Sent() int64 {
	return s.sent.Load()
}
