// Package logging configures the process-wide logrus logger from the
// logging section of the configuration.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"

	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/config"
)

var defaultLogFormatter = &log.TextFormatter{}

// infoFormatter prints Info events as bare messages so CLI output stays
// readable, and falls back to the text formatter for everything else.
type infoFormatter struct{}

func (f *infoFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Level == log.InfoLevel {
		return append([]byte(entry.Message), '\n'), nil
	}
	return defaultLogFormatter.Format(entry)
}

// Setup applies level and format to the standard logger and routes the
// stdlib log package through it.
func Setup(cfg config.LoggingConfig) error {
	level, err := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		if level >= log.DebugLevel {
			log.SetFormatter(defaultLogFormatter)
		} else {
			log.SetFormatter(new(infoFormatter))
		}
	default:
		return fmt.Errorf("invalid log format %q (use text or json)", cfg.Format)
	}

	log.SetLevel(level)
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.StandardLogger().WriterLevel(log.InfoLevel))
	return nil
}

// Logger returns the standard logger as a FieldLogger for injection into
// components.
func Logger() log.FieldLogger {
	return log.StandardLogger()
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
