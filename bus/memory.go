package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Subjects support the `*` and `>` wildcards on the subscribe side.
type MemoryBus struct {
	config Config
	drops  *dropRecorder

	mu     sync.RWMutex
	subs   []*memorySub
	queues map[string]*queueGroup // pattern + "|" + queue
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

type queueGroup struct {
	pattern string
	members []*memorySub
	next    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		drops:  newDropRecorder(cfg),
		queues: make(map[string]*queueGroup),
	}
}

// Dropped returns how many deliveries were discarded at full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.drops.count()
}

// Publish sends a message to all matching subscribers and one member of
// every matching queue group. A full buffer drops the delivery and the
// drop is recorded.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidatePublishSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}

	// Delivery holds the read lock so Unsubscribe cannot close a channel
	// under a concurrent send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.closed.Load() || !MatchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.drops.record(subject)
		}
	}

	for _, g := range b.queues {
		if MatchSubject(g.pattern, subject) && !g.deliver(msg) {
			b.drops.record(subject)
		}
	}

	return nil
}

// deliver hands msg to one member, round-robin, skipping full buffers.
// It reports false when every member was full.
func (g *queueGroup) deliver(msg *Message) bool {
	n := len(g.members)
	if n == 0 {
		return true
	}
	start := int(g.next.Add(1) % uint64(n))
	for i := 0; i < n; i++ {
		sub := g.members[(start+i)%n]
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
			return true
		default:
		}
	}
	return false
}

// Subscribe creates a subscription to a subject or wildcard pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	key := subject + "|" + queue
	g, ok := b.queues[key]
	if !ok {
		g = &queueGroup{pattern: subject}
		b.queues[key] = g
	}
	g.members = append(g.members, sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	for _, g := range b.queues {
		for _, sub := range g.members {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}

	b.subs = nil
	b.queues = make(map[string]*queueGroup)

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	if s.queue == "" {
		s.bus.removeSub(s)
	} else {
		s.bus.removeQueueSub(s)
	}

	close(s.ch)
	return nil
}

// removeSub removes a regular subscription. Caller holds b.mu.
func (b *MemoryBus) removeSub(target *memorySub) {
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// removeQueueSub removes a queue member. Caller holds b.mu.
func (b *MemoryBus) removeQueueSub(target *memorySub) {
	key := target.pattern + "|" + target.queue
	g, ok := b.queues[key]
	if !ok {
		return
	}
	for i, sub := range g.members {
		if sub == target {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) == 0 {
		delete(b.queues, key)
	}
}
