package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"nvcstack.local/facilitator/internal/kvstore"
	"nvcstack.local/facilitator/internal/reconcile"
)

// Queue persists the actions a client takes while disconnected, in order,
// under one key of a kvstore.Store.
type Queue struct {
	store kvstore.Store
	key   string

	mu sync.Mutex
}

func NewQueue(store kvstore.Store, sessionID string) *Queue {
	return &Queue{store: store, key: "sync-queue:" + sessionID}
}

func (q *Queue) Load(ctx context.Context) ([]reconcile.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *Queue) Append(ctx context.Context, entry reconcile.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	for _, existing := range entries {
		if existing.IdempotencyKey == entry.IdempotencyKey {
			return nil
		}
	}
	return q.saveLocked(ctx, append(entries, entry))
}

// Remove drops the entries with the given idempotency keys.
func (q *Queue) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if _, ok := drop[e.IdempotencyKey]; !ok {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return q.store.Remove(ctx, q.key)
	}
	return q.saveLocked(ctx, kept)
}

func (q *Queue) loadLocked(ctx context.Context) ([]reconcile.Entry, error) {
	raw, err := q.store.Get(ctx, q.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	var entries []reconcile.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode sync queue: %w", err)
	}
	return entries, nil
}

func (q *Queue) saveLocked(ctx context.Context, entries []reconcile.Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode sync queue: %w", err)
	}
	if err := q.store.Set(ctx, q.key, raw); err != nil {
		return fmt.Errorf("save sync queue: %w", err)
	}
	return nil
}
