package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/nebula/pkg/events"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/types"
)

// Lister is the read side of Client that WatchCache depends on. Kept as
// an interface (rather than the concrete *Client) so components that
// build on WatchCache can be tested against an in-memory fake instead
// of a live etcd cluster.
type Lister interface {
	ListPrefix(ctx context.Context, prefix string) (items []Item, revision int64, err error)
	Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchEvent
}

// WatchCache keeps an in-memory, eventually-consistent mirror of every
// record under a key prefix: relist once to establish a baseline
// revision, then apply watch events in revision order. If the watch
// channel closes — compaction, a dropped connection, etcd itself
// restarting — WatchCache re-lists the prefix and diffs the fresh list
// against its cache, emitting synthetic delete events for keys that
// vanished while disconnected. Every one of the scheduler, reconciler,
// and router builds on one or more of these so all three get the same
// reconnect semantics instead of three hand-rolled watch loops.
type WatchCache[T any] struct {
	client Lister
	prefix string

	mu       sync.RWMutex
	items    map[string]T
	revision int64
}

// NewWatchCache creates a WatchCache for records of type T stored under
// prefix.
func NewWatchCache[T any](client Lister, prefix string) *WatchCache[T] {
	return &WatchCache[T]{
		client: client,
		prefix: prefix,
		items:  make(map[string]T),
	}
}

// Snapshot returns a shallow copy of the current cache contents, safe
// for the caller to range over without holding any lock.
func (w *WatchCache[T]) Snapshot() map[string]T {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]T, len(w.items))
	for k, v := range w.items {
		out[k] = v
	}
	return out
}

// Get returns the cached record for key, if present.
func (w *WatchCache[T]) Get(key string) (T, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.items[key]
	return v, ok
}

// Run blocks, maintaining the cache until ctx is cancelled. Changes are
// published to broker (if non-nil) as they're applied. Callers typically
// run this in its own goroutine.
func (w *WatchCache[T]) Run(ctx context.Context, broker *events.Broker) error {
	logger := log.WithComponent("watchcache")

	if err := w.relist(ctx, broker); err != nil {
		return err
	}

	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.mu.RLock()
		fromRevision := w.revision
		w.mu.RUnlock()

		ch := w.client.Watch(ctx, w.prefix, fromRevision)
		for ev := range ch {
			w.apply(ev, broker)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.StoreWatchReconnectsTotal.Inc()
		logger.Warn().Str("prefix", w.prefix).Msg("watch channel closed, relisting")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err := w.relist(ctx, broker); err != nil {
			logger.Error().Err(err).Msg("relist after watch disconnect failed")
			continue
		}
		backoff = 250 * time.Millisecond
	}
}

// relist fetches the full prefix, replaces the cache, and emits a
// synthetic delete event for every key that vanished since the previous
// contents and a put event for every key in the fresh list, so
// subscribers never silently miss a change that happened while
// disconnected.
func (w *WatchCache[T]) relist(ctx context.Context, broker *events.Broker) error {
	items, revision, err := w.client.ListPrefix(ctx, w.prefix)
	if err != nil {
		return err
	}

	fresh := make(map[string]T, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item.Value, &v); err != nil {
			continue
		}
		fresh[item.Key] = v
	}

	w.mu.Lock()
	previous := w.items
	w.items = fresh
	w.revision = revision
	w.mu.Unlock()

	if broker == nil {
		return nil
	}
	for k := range previous {
		if _, ok := fresh[k]; !ok {
			broker.Publish(&types.Event{Type: types.EventDelete, Key: k, Timestamp: time.Now()})
		}
	}
	for k := range fresh {
		broker.Publish(&types.Event{Type: types.EventPut, Key: k, Timestamp: time.Now()})
	}
	return nil
}

func (w *WatchCache[T]) apply(ev WatchEvent, broker *events.Broker) {
	w.mu.Lock()
	if ev.ModRevision > w.revision {
		w.revision = ev.ModRevision
	}

	switch ev.Type {
	case EventKindPut:
		var v T
		if err := json.Unmarshal(ev.Value, &v); err == nil {
			w.items[ev.Key] = v
		}
	case EventKindDelete:
		delete(w.items, ev.Key)
	}
	w.mu.Unlock()

	if broker == nil {
		return
	}
	evtType := types.EventPut
	if ev.Type == EventKindDelete {
		evtType = types.EventDelete
	}
	broker.Publish(&types.Event{Type: evtType, Key: ev.Key, Timestamp: time.Now()})
}
