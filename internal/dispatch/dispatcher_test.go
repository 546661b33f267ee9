package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/analytics"
	"nvcstack.local/facilitator/internal/subscribers"
)

type fakeSubscriber struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan analytics.Record
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, rec analytics.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- rec
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan analytics.Record, 1)}
	d := New(zerolog.Nop(), []subscribers.Subscriber{sub}, WithRetry(3, 10*time.Millisecond))

	d.Record(context.Background(), analytics.Record{Kind: analytics.KindResponse, SessionID: "s1"})

	select {
	case got := <-sub.ch:
		assert.Equal(t, "s1", got.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	d.Wait()
	assert.Equal(t, 3, sub.Calls())
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 10, ch: make(chan analytics.Record, 1)}
	d := New(zerolog.Nop(), []subscribers.Subscriber{sub}, WithRetry(3, 10*time.Millisecond))

	d.Record(context.Background(), analytics.Record{SessionID: "s2"})
	d.Wait()

	assert.Equal(t, 3, sub.Calls())
	select {
	case <-sub.ch:
		t.Fatal("did not expect successful dispatch")
	default:
	}
}

func TestDispatcherIgnoresCallerCancellation(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", ch: make(chan analytics.Record, 1)}
	d := New(zerolog.Nop(), []subscribers.Subscriber{sub})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Record(ctx, analytics.Record{SessionID: "s3"})
	d.Wait()
	require.Equal(t, 1, sub.Calls())
}
