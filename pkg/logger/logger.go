package logx

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "care-scheduler"

type Config struct {
	Debug        bool `split_words:"true" default:"false"`
	PrettyFormat bool `split_words:"true" default:"false"`
}

// Init replaces the global logger and makes it the fallback for zerolog.Ctx.
func Init(opts ...Config) {
	var conf Config
	if len(opts) > 0 {
		conf = opts[0]
	}
	log.Logger = build(conf, os.Stdout)
	zerolog.DefaultContextLogger = &log.Logger
}

func build(conf Config, out io.Writer) zerolog.Logger {
	if conf.PrettyFormat {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level := zerolog.InfoLevel
	if conf.Debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Caller().
		Stack().
		Logger()
}

// WithConversation returns a context whose zerolog.Ctx logger carries the
// conversation id.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	logger := zerolog.Ctx(ctx).With().Str("conversation_id", conversationID).Logger()
	return logger.WithContext(ctx)
}
