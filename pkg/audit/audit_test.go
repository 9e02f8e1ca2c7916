package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Record
}

func (f *fakeSink) Write(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Record, len(records))
	copy(cp, records)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) all() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func TestWriterFlushesOnTimer(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 16, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Log(Record{Actor: "alice", Action: "create", Resource: "model_intent"})

	require.Eventually(t, func() bool {
		return len(sink.all()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Close()
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 256, time.Hour)
	w.flushBatch = 4

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	for i := 0; i < 4; i++ {
		w.Log(Record{Actor: "alice", Action: "create"})
	}

	require.Eventually(t, func() bool {
		return len(sink.all()) == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Close()
}

func TestWriterDrainsOnClose(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 16, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Log(Record{Actor: "bob", Action: "delete"})
	w.Close()

	assert.Len(t, sink.all(), 1)
}

func TestWriterDropsOnFullBuffer(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		w.Log(Record{Actor: "flood", Action: "create"})
	}

	w.Start(ctx)
	w.Close()

	assert.LessOrEqual(t, len(sink.all()), 2)
}

func TestLogSinkWriteNoError(t *testing.T) {
	sink := NewLogSink()
	err := sink.Write(context.Background(), []Record{{Actor: "alice", Action: "create"}})
	assert.NoError(t, err)
}
