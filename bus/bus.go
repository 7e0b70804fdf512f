// Publish is at-most-once on every transport: a message published while
// nobody is subscribed is dropped, and that is not an error.
package bus

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/vinayprograms/taskmesh/logging"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrUnsupported    = errors.New("operation not supported by transport")
	ErrUnavailable    = errors.New("transport unavailable")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload (JSON on every subject this module uses).
	Data []byte
}

// MessageBus is the transport contract.
type MessageBus interface {
	// Publish sends a message to every current subscriber of subject.
	// A nil error means the transport accepted the message, not that
	// anyone received it.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription. Every subscriber receives every message.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Each message goes to one member of the queue group.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Close shuts down the bus connection and ends all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. A message arriving at a full
	// buffer is discarded, counted, and logged at error.
	// Default: 256
	BufferSize int

	// Logger receives a message_dropped line per discarded message.
	Logger *logging.Logger

	// OnDrop, when set, is called with the subject of every discarded
	// message. It runs on the delivery path and must not block or call
	// back into the bus.
	OnDrop func(subject string)
}

// dropRecorder accounts for messages lost to full subscriber buffers.
type dropRecorder struct {
	n      atomic.Uint64
	log    *logging.Logger
	onDrop func(subject string)
}

func newDropRecorder(cfg Config) *dropRecorder {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &dropRecorder{log: logger.WithComponent("bus"), onDrop: cfg.OnDrop}
}

func (d *dropRecorder) record(subject string) {
	d.n.Add(1)
	d.log.MessageDropped(subject, "subscriber buffer full", nil)
	if d.onDrop != nil {
		d.onDrop(subject)
	}
}

func (d *dropRecorder) count() uint64 {
	return d.n.Load()
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a subscription subject. Tokens are dot separated,
// `*` matches one token and `>` matches the remainder and must come last.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePublishSubject checks a subject that will be published to.
// Wildcards are not allowed.
func ValidatePublishSubject(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
