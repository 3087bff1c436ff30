package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/logging"
)

// LogSink records interactions and failures as structured log entries.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger).With(logging.Component("sink"))}
}

func (s *LogSink) ID() string { return "log" }

func (s *LogSink) OnInteraction(_ context.Context, e *Event) error {
	fields := []zap.Field{
		logging.CorrelationID(e.CorrelationID),
		zap.String("source", e.Source),
	}
	if i := e.Interaction; i != nil {
		fields = append(fields,
			logging.Protocol(i.Protocol.String()),
			logging.RemoteIP(i.RemoteAddress),
			zap.String("full_id", i.FullID),
			zap.Time("timestamp", i.Timestamp),
		)
		if i.QType != "" {
			fields = append(fields, logging.QType(i.QType))
		}
	} else {
		fields = append(fields, zap.String("raw", e.Raw))
	}
	s.logger.Info("interaction", fields...)
	return nil
}

func (s *LogSink) OnFailure(_ context.Context, f *errdefs.DecryptionError) error {
	s.logger.Warn("undecodable entry",
		logging.Stage(f.Stage),
		zap.String("source", f.Source),
		zap.Int("index", f.Index),
		zap.Error(f.Err),
	)
	return nil
}
