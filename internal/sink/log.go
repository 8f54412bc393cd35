package sink

import (
	"context"
	"encoding/json"
	"strings"

	"dutybot/internal/registry"
	logx "dutybot/pkg/logx"
)

func init() {
	Register(registry.CanonicalName("LogSink", "Sink"), newLogSink)
}

// LogSink writes messages to the structured log. Useful as a dry run.
type LogSink struct {
	log   logx.Logger
	level string
}

type logOptions struct {
	Level string `json:"level,omitempty"`
}

func newLogSink(raw json.RawMessage, deps Deps) (Sink, error) {
	var opt logOptions
	if err := registry.Decode(raw, &opt); err != nil {
		return nil, err
	}
	return &LogSink{log: deps.Logger.With(logx.String("comp", "sink.log")), level: strings.ToLower(opt.Level)}, nil
}

func (s *LogSink) Deliver(_ context.Context, msg Message) error {
	fields := []logx.Field{logx.String("title", msg.Title), logx.String("content", msg.Content)}
	switch s.level {
	case "debug":
		s.log.Debug("message", fields...)
	case "warn":
		s.log.Warn("message", fields...)
	default:
		s.log.Info("message", fields...)
	}
	return nil
}
