package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBus implements MessageBus over Redis PUBLISH/SUBSCRIBE.
//
// Redis pub/sub has no queue groups, so QueueSubscribe returns
// ErrUnsupported; workers on Redis subscribe with Subscribe and every
// member of a class sees every task.
type RedisBus struct {
	client *redis.Client
	config RedisConfig
	drops  *dropRecorder
	owned  bool

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Config

	// Addr is host:port of the Redis server.
	Addr string

	Password string
	DB       int

	// OpTimeout bounds each PUBLISH and the subscribe handshake.
	OpTimeout time.Duration
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config:    DefaultConfig(),
		Addr:      "localhost:6379",
		OpTimeout: 5 * time.Second,
	}
}

// NewRedisBus dials Redis and verifies the connection with PING.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	cfg = normalizeRedisConfig(cfg)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	b := NewRedisBusFromClient(client, cfg)
	b.owned = true
	return b, nil
}

// NewRedisBusFromClient wraps an existing client. Close leaves the
// client open.
func NewRedisBusFromClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	return &RedisBus{
		client: client,
		config: normalizeRedisConfig(cfg),
		drops:  newDropRecorder(cfg.Config),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func normalizeRedisConfig(cfg RedisConfig) RedisConfig {
	def := DefaultRedisConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	return cfg
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends a message to a channel named after the subject.
func (b *RedisBus) Publish(subject string, data []byte) error {
	if err := ValidatePublishSubject(subject); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.OpTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription. Wildcard subjects use PSUBSCRIBE and
// are filtered again with MatchSubject, since Redis globs cross dots.
func (b *RedisBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.OpTimeout)
	defer cancel()

	var ps *redis.PubSub
	if isWildcard(subject) {
		ps = b.client.PSubscribe(ctx, globFromSubject(subject))
	} else {
		ps = b.client.Subscribe(ctx, subject)
	}

	// Wait for the server to confirm so a publish right after Subscribe
	// returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	s := &redisSubscription{
		pattern: subject,
		ps:      ps,
		ch:      make(chan *Message, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	go s.pump()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// QueueSubscribe is not available on Redis pub/sub.
func (b *RedisBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	return nil, fmt.Errorf("redis queue subscribe %s/%s: %w", subject, queue, ErrUnsupported)
}

// Close ends every subscription and closes the client if the bus dialed it.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	if b.owned {
		return b.client.Close()
	}
	return nil
}

// Dropped returns how many deliveries were discarded at full buffers.
func (b *RedisBus) Dropped() uint64 {
	return b.drops.count()
}

// Client returns the underlying Redis client.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

func isWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

func globFromSubject(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == ">" {
			tokens[i] = "*"
		}
	}
	return strings.Join(tokens, ".")
}

type redisSubscription struct {
	pattern string
	ps      *redis.PubSub
	ch      chan *Message
	done    chan struct{}
	bus     *RedisBus
	once    sync.Once
}

// pump is the only writer to ch and closes it when the PubSub ends.
func (s *redisSubscription) pump() {
	defer close(s.done)
	defer close(s.ch)

	for m := range s.ps.Channel() {
		if !MatchSubject(s.pattern, m.Channel) {
			continue
		}
		select {
		case s.ch <- &Message{Subject: m.Channel, Data: []byte(m.Payload)}:
		default:
			s.bus.drops.record(m.Channel)
		}
	}
}

// Messages returns the message channel.
func (s *redisSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription and waits for the pump to exit.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		<-s.done
	})
	return err
}
