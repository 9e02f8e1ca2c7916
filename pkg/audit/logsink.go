package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/nebula/pkg/log"
)

// LogSink writes audit records as structured log lines. It is the
// default Sink when no external audit store is configured — durable,
// queryable audit storage is an external collaborator Nebula does not
// implement itself.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("audit.log")}
}

// Write logs each record at info level.
func (s *LogSink) Write(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.logger.Info().
			Str("actor", r.Actor).
			Str("action", r.Action).
			Str("resource", r.Resource).
			Str("resource_id", r.ResourceID).
			Str("request_id", r.RequestID).
			Int64("timestamp_ms", r.TimestampMS).
			RawJSON("before", nonEmpty(r.Before)).
			RawJSON("after", nonEmpty(r.After)).
			Msg("audit")
	}
	return nil
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
