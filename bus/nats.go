package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus using core NATS.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	drops  *dropRecorder
	owned  bool

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS and returns a bus that owns the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b := NewNATSBusFromConn(conn, cfg)
	b.owned = true
	return b, nil
}

// NewNATSBusFromConn wraps an existing connection. Close leaves the
// connection open; the caller owns it.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
		drops:  newDropRecorder(cfg.Config),
		subs:   make(map[*natsSubscription]struct{}),
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidatePublishSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{
		ch:  make(chan *Message, b.config.BufferSize),
		bus: b,
	}

	handler := func(m *nats.Msg) {
		s.deliver(&Message{Subject: m.Subject, Data: m.Data})
	}

	var err error
	if queue == "" {
		s.sub, err = b.conn.Subscribe(subject, handler)
	} else {
		s.sub, err = b.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		close(s.ch)
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// Close ends every subscription and, if the bus dialed the connection,
// drains and closes it.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := make([]*natsSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	if b.owned {
		b.conn.Close()
	}
	return nil
}

// Dropped returns how many deliveries were discarded at full buffers.
func (b *NATSBus) Dropped() uint64 {
	return b.drops.count()
}

// Conn returns the underlying NATS connection. The job store uses it to
// reach JetStream over the same connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsSubscription adapts a NATS callback subscription to a channel.
type natsSubscription struct {
	sub *nats.Subscription
	bus *NATSBus

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		s.bus.drops.record(msg.Subject)
	}
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	if s.bus.conn.IsClosed() {
		return nil
	}
	return s.sub.Unsubscribe()
}
