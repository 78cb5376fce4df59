package observability

import (
	"context"
	"io"

	"github.com/rs/zerolog"
)

// ZerologLogger bridges the Event model onto a zerolog sink. It is the only
// production Logger backend; zerolog owns timestamps, level encoding, and the
// JSON-lines framing.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a logger writing structured events to w.
func NewZerologLogger(w io.Writer) *ZerologLogger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &ZerologLogger{logger: zl}
}

// Log implements Logger by translating the event into a zerolog entry.
func (l *ZerologLogger) Log(_ context.Context, event Event) error {
	if l == nil {
		return nil
	}

	var entry *zerolog.Event
	switch event.Level {
	case LevelWarn:
		entry = l.logger.Warn()
	case LevelError:
		entry = l.logger.Error()
	default:
		entry = l.logger.Info()
	}

	if event.Node != "" {
		entry = entry.Str("node", event.Node)
	}
	if event.Component != "" {
		entry = entry.Str("component", event.Component)
	}
	entry = entry.Str("event", event.Event)
	if !event.Timestamp.IsZero() {
		entry = entry.Time("event_ts", event.Timestamp)
	}
	for k, v := range event.Fields {
		entry = entry.Interface(k, v)
	}

	entry.Msg(event.Message)
	return nil
}

var _ Logger = (*ZerologLogger)(nil)
