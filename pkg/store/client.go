// Package store wraps an etcd cluster as Nebula's single strongly
// consistent, watched key/value substrate: every control-plane record
// (model intents, placement plans, node status, endpoints, stats,
// images) is a JSON value under a typed key prefix, read back with
// ListPrefix, kept live with Watch, and held alive with a lease where
// the record has a liveness contract (node heartbeats, endpoint leases).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
	"github.com/cuemby/nebula/pkg/security"
)

// Config configures the etcd-backed store client.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         security.TLSFiles
}

// Client is a thin, typed layer over clientv3 plus the WatchCache helper
// every watcher-driven component (scheduler, reconciler, router) builds
// on.
type Client struct {
	kv *clientv3.Client
}

// NewClient dials the etcd cluster named by cfg.
func NewClient(cfg Config) (*Client, error) {
	tlsConfig, err := security.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("load store tls config: %w", err)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		TLS:         tlsConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Client{kv: cli}, nil
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error {
	return c.kv.Close()
}

// Raw exposes the underlying clientv3.Client for callers that need
// lease/watch primitives this wrapper doesn't cover directly.
func (c *Client) Raw() *clientv3.Client {
	return c.kv
}

// Put JSON-marshals value and writes it to key, optionally bound to a
// lease.
func (c *Client) Put(ctx context.Context, key string, value interface{}, leaseID clientv3.LeaseID) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "put")

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	var opts []clientv3.OpOption
	if leaseID != 0 {
		opts = append(opts, clientv3.WithLease(leaseID))
	}

	if _, err := c.kv.Put(ctx, key, string(data), opts...); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Get fetches a single key and unmarshals it into dst. Returns
// ErrNotFound if the key doesn't exist.
func (c *Client) Get(ctx context.Context, key string, dst interface{}) (revision int64, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "get")

	resp, err := c.kv.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	if len(resp.Kvs) == 0 {
		return resp.Header.Revision, ErrNotFound
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, dst); err != nil {
		return resp.Header.Revision, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return resp.Kvs[0].ModRevision, nil
}

// Delete removes a key. Deleting a key that doesn't exist is not an
// error.
func (c *Client) Delete(ctx context.Context, key string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "delete")

	if _, err := c.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Item is one key/value/revision triple from a ListPrefix call.
type Item struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// ListPrefix lists every key under prefix along with the revision at
// which the list was taken, so callers can bootstrap a Watch from
// revision+1 without missing or double-processing an event.
func (c *Client) ListPrefix(ctx context.Context, prefix string) (items []Item, revision int64, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "list")

	resp, err := c.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list %s: %v", ErrUnavailable, prefix, err)
	}

	items = make([]Item, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		items[i] = Item{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision}
	}
	return items, resp.Header.Revision, nil
}

// ListPrefixInto lists every key under prefix and unmarshals each value
// into a new element appended to the slice dst points to. dst must be a
// pointer to a slice of the target record type.
func (c *Client) ListPrefixInto(ctx context.Context, prefix string, dst interface{}) (revision int64, err error) {
	items, revision, err := c.ListPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if err := unmarshalItems(items, dst); err != nil {
		return revision, err
	}
	return revision, nil
}

// GrantLease requests a lease with the given TTL (seconds).
func (c *Client) GrantLease(ctx context.Context, ttlSeconds int64) (clientv3.LeaseID, error) {
	resp, err := c.kv.Grant(ctx, ttlSeconds)
	if err != nil {
		return 0, fmt.Errorf("%w: grant lease: %v", ErrUnavailable, err)
	}
	return resp.ID, nil
}

// KeepAliveOnce sends a single keepalive heartbeat for a lease. Callers
// that need continuous keepalive should use KeepAlive instead.
func (c *Client) KeepAliveOnce(ctx context.Context, leaseID clientv3.LeaseID) error {
	if _, err := c.kv.KeepAliveOnce(ctx, leaseID); err != nil {
		return fmt.Errorf("%w: keepalive %d: %v", ErrUnavailable, leaseID, err)
	}
	return nil
}

// KeepAlive starts continuous keepalive for a lease, returning the
// channel of responses. The channel closes if the lease expires or the
// connection to etcd is lost; callers should treat a closed channel as
// "re-register from scratch" rather than trying to resume the lease.
func (c *Client) KeepAlive(ctx context.Context, leaseID clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch, err := c.kv.KeepAlive(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("%w: keepalive %d: %v", ErrUnavailable, leaseID, err)
	}
	return ch, nil
}

// CompareAndSwap writes value to key only if the key's current
// ModRevision equals expectedRevision (0 meaning "key must not exist").
// This is the mechanism behind the scheduler's plan-write idempotence:
// a scheduling pass that read a stale plan loses the race and must
// re-read and retry instead of clobbering a newer write.
func (c *Client) CompareAndSwap(ctx context.Context, key string, expectedRevision int64, value interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "cas")

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	txn := c.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectedRevision)).
		Then(clientv3.OpPut(key, string(data)))

	resp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("%w: cas %s: %v", ErrUnavailable, key, err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

// WatchEvent mirrors a clientv3 watch event with the value already
// decoded into raw bytes (decoding into a concrete type is WatchCache's
// job, since only it knows the element type).
type WatchEvent struct {
	Type        EventKind
	Key         string
	Value       []byte
	ModRevision int64
}

// EventKind distinguishes a put from a delete in a WatchEvent.
type EventKind int

const (
	EventKindPut EventKind = iota
	EventKindDelete
)

// Watch streams changes under prefix starting at fromRevision+1. The
// returned channel closes when the context is cancelled or the
// underlying watch is compacted/disconnected; callers (WatchCache) are
// expected to re-list and re-watch on close, not to treat closure as
// fatal.
func (c *Client) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchEvent {
	out := make(chan WatchEvent, 64)

	wch := c.kv.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRevision+1))

	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				log.WithComponent("store").Warn().Err(resp.Err()).Str("prefix", prefix).Msg("watch error")
				return
			}
			for _, ev := range resp.Events {
				kind := EventKindPut
				if ev.Type == clientv3.EventTypeDelete {
					kind = EventKindDelete
				}
				select {
				case out <- WatchEvent{
					Type:        kind,
					Key:         string(ev.Kv.Key),
					Value:       ev.Kv.Value,
					ModRevision: ev.Kv.ModRevision,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
