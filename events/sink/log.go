package sink

import (
	"github.com/ferrydb/ferry/cfg"
	"github.com/ferrydb/ferry/events"
	"github.com/rs/zerolog/log"
)

func init() {
	events.RegisterSink("log", func(config cfg.EventsConfiguration) (events.Sink, error) {
		return &LogSink{}, nil
	})
}

// LogSink writes events to the process log. Useful for development and as
// a default when no broker is configured.
type LogSink struct{}

func (l *LogSink) Publish(topic, key string, value []byte) error {
	log.Info().
		Str("topic", topic).
		Str("key", key).
		Int("bytes", len(value)).
		Msg("Event published")
	return nil
}

func (l *LogSink) Close() error {
	return nil
}
