package bus

import (
	"context"
	"sync"
)

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg *Message)

// ServeOptions tunes Serve.
type ServeOptions struct {
	// MaxInFlight caps concurrently running handlers. 0 means 64.
	MaxInFlight int
}

// Serve drains sub and runs h for each message in its own goroutine.
// It returns nil when the subscription channel closes and ctx.Err() when
// ctx ends; in both cases it waits for running handlers first.
func Serve(ctx context.Context, sub Subscription, h Handler, opts ServeOptions) error {
	limit := opts.MaxInFlight
	if limit <= 0 {
		limit = 64
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	defer wg.Wait()

	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(m *Message) {
				defer wg.Done()
				defer func() { <-sem }()
				h(ctx, m)
			}(msg)
		}
	}
}
