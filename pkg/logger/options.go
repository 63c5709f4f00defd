package logger

import (
	"io"
	"log/slog"
)

// format selects the slog handler backing a CLI logger.
type format int

const (
	formatText format = iota
	formatPretty
	formatJSON
)

type config struct {
	level   slog.Level
	format  format
	source  bool
	writers []io.Writer
}

// Option configures a logger created with New.
type Option func(*config)

// WithDebug lowers the level to Debug. The default level is Info.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = slog.LevelDebug
		}
	}
}

// WithPretty selects the charmbracelet/log handler for colorized,
// human-facing terminal output.
func WithPretty(pretty bool) Option {
	return func(c *config) {
		if pretty {
			c.format = formatPretty
		}
	}
}

// WithJSON selects slog's JSON handler, one object per line. Used for log
// files and anything downstream tooling consumes.
func WithJSON(json bool) Option {
	return func(c *config) {
		if json {
			c.format = formatJSON
		}
	}
}

// WithWriter directs output to w instead of os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writers = []io.Writer{w}
	}
}

// WithWriters directs output to several writers at once.
func WithWriters(w ...io.Writer) Option {
	return func(c *config) {
		c.writers = w
	}
}

// WithSource annotates records with the caller's file:line.
func WithSource(source bool) Option {
	return func(c *config) {
		c.source = source
	}
}
