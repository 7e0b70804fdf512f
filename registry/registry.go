package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/heartbeat"
	"github.com/vinayprograms/taskmesh/logging"
)

// Common errors.
var (
	ErrClosed         = errors.New("registry closed")
	ErrAlreadyStarted = errors.New("registry already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// DefaultTTL is how long an agent stays active after its last heartbeat.
const DefaultTTL = 15 * time.Second

// AgentEntry is the registry's record of one agent.
type AgentEntry struct {
	AgentID  string                 `json:"agentId"`
	Service  string                 `json:"service"`
	Version  string                 `json:"version"`
	Tools    []heartbeat.Tool       `json:"tools"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Timestamp is what the agent reported, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// LastSeenAt is the registry clock when the heartbeat was ingested.
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// HasTool reports whether the agent advertises the named tool.
func (e *AgentEntry) HasTool(name string) bool {
	for _, t := range e.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (e *AgentEntry) clone() AgentEntry {
	c := *e
	c.Tools = append([]heartbeat.Tool{}, e.Tools...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventEvicted EventType = "evicted"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Agent is the entry after the change. For evictions it is the last
	// known state.
	Agent AgentEntry
}

// Config configures a Registry.
type Config struct {
	// Bus carries heartbeats in and discovery pokes out.
	Bus bus.MessageBus

	// Now is the registry clock. Default: time.Now
	Now func() time.Time

	// TTL used when ListActive is called with ttl <= 0.
	// Default: 15 seconds
	TTL time.Duration

	// MaxInFlight caps concurrently ingested heartbeats. Default: 64
	MaxInFlight int

	Logger *logging.Logger
}

// Registry tracks live agents from their heartbeats.
type Registry struct {
	bus         bus.MessageBus
	now         func() time.Time
	ttl         time.Duration
	maxInFlight int
	log         *logging.Logger

	mu       sync.Mutex
	agents   map[string]*AgentEntry
	watchers []chan Event
	closed   bool

	runMu  sync.Mutex
	sub    bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry. Start must be called to begin consuming
// heartbeats; IngestHeartbeat can be used directly without it.
func New(cfg Config) (*Registry, error) {
	if cfg.Bus == nil {
		return nil, ErrInvalidConfig
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Registry{
		bus:         cfg.Bus,
		now:         now,
		ttl:         ttl,
		maxInFlight: cfg.MaxInFlight,
		log:         logger.WithComponent("registry"),
		agents:      make(map[string]*AgentEntry),
	}, nil
}

// TTL returns the default liveness window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// IngestHeartbeat records hb, replacing whatever was known about the agent.
// Heartbeats without an agent id or service are ignored and false is
// returned.
func (r *Registry) IngestHeartbeat(hb heartbeat.Heartbeat) bool {
	if !hb.Valid() {
		return false
	}

	entry := &AgentEntry{
		AgentID:   hb.AgentID,
		Service:   hb.Service,
		Version:   hb.Version,
		Tools:     append([]heartbeat.Tool{}, hb.Tools...),
		Metadata:  hb.Metadata,
		Timestamp: hb.Timestamp,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	entry.LastSeenAt = r.now()
	_, exists := r.agents[hb.AgentID]
	r.agents[hb.AgentID] = entry

	eventType := EventUpdated
	if !exists {
		eventType = EventAdded
		r.log.AgentSeen(entry.AgentID, entry.Service, len(entry.Tools))
	}
	r.notifyWatchers(Event{Type: eventType, Agent: entry.clone()})

	return true
}

// RequestRefresh publishes an empty poke on agent.discovery. Live agents
// answer with a heartbeat; nothing here waits for them.
func (r *Registry) RequestRefresh() error {
	return r.bus.Publish(heartbeat.SubjectDiscovery, []byte("{}"))
}

// ListActive returns agents whose last heartbeat is younger than ttl,
// sorted by agent id. Every other entry is deleted. ttl <= 0 uses the
// configured TTL.
func (r *Registry) ListActive(ttl time.Duration) []AgentEntry {
	return r.collect(ttl, func(*AgentEntry) bool { return true })
}

// FindByTool returns active agents advertising the named tool. It evicts
// stale entries the same way ListActive does.
func (r *Registry) FindByTool(name string, ttl time.Duration) []AgentEntry {
	return r.collect(ttl, func(e *AgentEntry) bool { return e.HasTool(name) })
}

// Len returns the number of entries currently held, stale or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func (r *Registry) collect(ttl time.Duration, keep func(*AgentEntry) bool) []AgentEntry {
	if ttl <= 0 {
		ttl = r.ttl
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := make([]AgentEntry, 0, len(r.agents))

	for id, entry := range r.agents {
		age := now.Sub(entry.LastSeenAt)
		if age >= ttl {
			delete(r.agents, id)
			r.log.AgentEvicted(entry.AgentID, entry.Service, age)
			r.notifyWatchers(Event{Type: EventEvicted, Agent: entry.clone()})
			continue
		}
		if keep(entry) {
			result = append(result, entry.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})

	return result
}

// Watch returns a channel of registry events. Slow watchers miss events
// rather than block ingestion. The channel is closed by Close.
func (r *Registry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *Registry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Start subscribes to agent.heartbeat and ingests heartbeats until Stop,
// Close or ctx ends.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if r.sub != nil {
		return ErrAlreadyStarted
	}

	sub, err := r.bus.Subscribe(heartbeat.SubjectHeartbeat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.sub = sub
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		bus.Serve(ctx, sub, r.handle, bus.ServeOptions{MaxInFlight: r.maxInFlight})
	}(r.done)

	return nil
}

func (r *Registry) handle(_ context.Context, msg *bus.Message) {
	var hb heartbeat.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.MessageDropped(msg.Subject, "malformed heartbeat", err)
		return
	}
	if !r.IngestHeartbeat(hb) {
		r.log.Debug("heartbeat_ignored", map[string]interface{}{
			"agent":   hb.AgentID,
			"service": hb.Service,
		})
	}
}

// Stop unsubscribes from heartbeats and waits for in-flight ingestion.
// Entries are kept.
func (r *Registry) Stop() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.sub == nil {
		return nil
	}

	err := r.sub.Unsubscribe()
	<-r.done
	r.cancel()

	r.sub = nil
	r.cancel = nil
	r.done = nil
	return err
}

// Close stops the registry and closes every watch channel.
func (r *Registry) Close() error {
	err := r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return err
}
