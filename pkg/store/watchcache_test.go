package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister is an in-memory Lister: ListPrefix returns whatever's in
// items at call time, Watch streams whatever's pushed via set() until
// closeWatch() is called.
type fakeLister struct {
	mu       sync.Mutex
	items    map[string][]byte
	revision int64

	watchCh chan WatchEvent
}

func newFakeLister() *fakeLister {
	return &fakeLister{items: make(map[string][]byte), watchCh: make(chan WatchEvent, 16)}
}

func (f *fakeLister) ListPrefix(ctx context.Context, prefix string) ([]Item, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []Item
	for k, v := range f.items {
		items = append(items, Item{Key: k, Value: v, ModRevision: f.revision})
	}
	return items, f.revision, nil
}

func (f *fakeLister) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchEvent {
	return f.watchCh
}

func (f *fakeLister) set(key string, v interface{}) {
	data, _ := json.Marshal(v)
	f.mu.Lock()
	f.revision++
	f.items[key] = data
	rev := f.revision
	f.mu.Unlock()
	f.watchCh <- WatchEvent{Type: EventKindPut, Key: key, Value: data, ModRevision: rev}
}

func (f *fakeLister) closeWatch() {
	close(f.watchCh)
}

type widget struct {
	Name string
}

func TestWatchCacheInitialRelist(t *testing.T) {
	f := newFakeLister()
	f.items["/widgets/a"] = mustJSON(widget{Name: "a"})
	f.revision = 1

	wc := NewWatchCache[widget](f, "/widgets/")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go wc.Run(ctx, nil)
	time.Sleep(50 * time.Millisecond)

	v, ok := wc.Get("/widgets/a")
	require.True(t, ok)
	assert.Equal(t, "a", v.Name)
}

func TestWatchCacheAppliesPutEvents(t *testing.T) {
	f := newFakeLister()
	wc := NewWatchCache[widget](f, "/widgets/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go wc.Run(ctx, nil)
	time.Sleep(20 * time.Millisecond)

	f.set("/widgets/b", widget{Name: "b"})
	time.Sleep(50 * time.Millisecond)

	v, ok := wc.Get("/widgets/b")
	require.True(t, ok)
	assert.Equal(t, "b", v.Name)
}

func TestWatchCacheApplyDelete(t *testing.T) {
	wc := NewWatchCache[widget](newFakeLister(), "/widgets/")
	wc.apply(WatchEvent{Type: EventKindPut, Key: "/widgets/c", Value: mustJSON(widget{Name: "c"})}, nil)

	_, ok := wc.Get("/widgets/c")
	require.True(t, ok)

	wc.apply(WatchEvent{Type: EventKindDelete, Key: "/widgets/c"}, nil)
	_, ok = wc.Get("/widgets/c")
	assert.False(t, ok)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
