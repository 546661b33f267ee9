package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nvcstack.local/facilitator/internal/analytics"
	"nvcstack.local/facilitator/internal/subscribers"
)

// Dispatcher fans analytics records out to subscribers without blocking the
// caller. It implements analytics.Sink.
type Dispatcher struct {
	logger       zerolog.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithRetry(count int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.retryCount = count
		}
		if backoff > 0 {
			d.retryBackoff = backoff
		}
	}
}

func New(logger zerolog.Logger, subs []subscribers.Subscriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

var _ analytics.Sink = (*Dispatcher)(nil)

func (d *Dispatcher) Record(ctx context.Context, rec analytics.Record) {
	// Records outlive the request that produced them.
	ctx = context.WithoutCancel(ctx)
	for _, sub := range d.subscribers {
		d.wg.Add(1)
		go d.dispatchOne(ctx, sub, rec)
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, rec analytics.Record) {
	defer d.wg.Done()
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, rec)
		if err == nil {
			return
		}

		d.logger.Warn().
			Err(err).
			Str("subscriber", sub.Name()).
			Str("kind", string(rec.Kind)).
			Str("session_id", rec.SessionID).
			Int("attempt", attempt).
			Msg("analytics delivery failed")
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
