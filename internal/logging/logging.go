package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level       string `mapstructure:"level" yaml:"level" json:"level"`
	Format      string `mapstructure:"format" yaml:"format" json:"format"`
	TimeFormat  string `mapstructure:"time_format" yaml:"time_format" json:"time_format"`
	Caller      bool   `mapstructure:"caller" yaml:"caller" json:"caller"`
	PrettyPrint bool   `mapstructure:"pretty" yaml:"pretty" json:"pretty"`
}

// NewLogger builds the process logger. Output goes to stdout as JSON unless
// the format is console.
func NewLogger(cfg Config) zerolog.Logger {
	return New(cfg, os.Stdout)
}

func New(cfg Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	builder := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}
