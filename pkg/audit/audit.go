// Package audit provides an async, buffered dispatcher for admin-mutation
// audit records. Storage is an external collaborator — Nebula only
// guarantees that every admin write is handed to the configured Sink
// without blocking the request that triggered it.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/log"
)

// Record is one audit-log entry: who did what to what, and the
// before/after snapshots of the affected resource.
type Record struct {
	Actor       string
	Action      string
	Resource    string
	ResourceID  string
	Before      json.RawMessage
	After       json.RawMessage
	RequestID   string
	TimestampMS int64
}

// Sink persists a batch of records. Implementations must not retain the
// slice after Write returns.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = 2 * time.Second
	defaultFlushBatch    = 64
)

// Writer is an async, buffered audit writer: Log enqueues and returns
// immediately, a background goroutine batches and flushes to the Sink on
// a timer or once a batch fills up.
type Writer struct {
	sink          Sink
	logger        zerolog.Logger
	entries       chan Record
	flushInterval time.Duration
	flushBatch    int
	wg            sync.WaitGroup
}

// NewWriter builds a Writer around sink. bufferSize and flushInterval
// default to 1024 entries / 2s when zero.
func NewWriter(sink Sink, bufferSize int, flushInterval time.Duration) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Writer{
		sink:          sink,
		logger:        log.WithComponent("audit"),
		entries:       make(chan Record, bufferSize),
		flushInterval: flushInterval,
		flushBatch:    defaultFlushBatch,
	}
}

// Start begins the background flush loop in its own goroutine and returns
// at once. The loop exits once ctx is cancelled or Close is called,
// flushing every already-enqueued record first.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new records and waits for the flush loop to
// drain the remainder.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues a record without blocking the caller. If the buffer is
// full the record is dropped and a warning logged — a lost audit record
// must never slow down or fail the admin mutation it describes.
func (w *Writer) Log(r Record) {
	select {
	case w.entries <- r:
	default:
		w.logger.Warn().Str("action", r.Action).Str("resource", r.Resource).Msg("audit buffer full, dropping entry")
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, w.flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= w.flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case r, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.sink.Write(ctx, batch); err != nil {
		w.logger.Error().Err(err).Int("count", len(batch)).Msg("writing audit batch")
	}
}
