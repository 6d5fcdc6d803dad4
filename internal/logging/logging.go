// Package logging builds the *log.Logger instances injected into voxsync
// components.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes.
type Options struct {
	// File, when set, receives a copy of all output with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Verbose turns on per-item debug lines.
	Verbose bool

	// Stderr overrides the console writer (tests).
	Stderr io.Writer
}

// Factory hands out prefixed loggers sharing one output.
type Factory struct {
	out     io.Writer
	rotator *lumberjack.Logger
	verbose bool

	closeOnce sync.Once
}

// NewFactory opens the shared output described by opts.
func NewFactory(opts Options) *Factory {
	console := opts.Stderr
	if console == nil {
		console = os.Stderr
	}
	f := &Factory{out: console, verbose: opts.Verbose}
	if opts.File != "" {
		f.rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		f.out = io.MultiWriter(console, f.rotator)
	}
	return f
}

// New returns a logger whose lines start with "[prefix] ".
func (f *Factory) New(prefix string) *log.Logger {
	return log.New(f.out, "["+prefix+"] ", log.LstdFlags)
}

// Verbose reports whether debug output is enabled.
func (f *Factory) Verbose() bool { return f.verbose }

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer { return f.out }

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if f.rotator != nil {
			err = f.rotator.Close()
		}
	})
	return err
}

// New is shorthand for NewFactory(opts).New(prefix) when a single logger is
// needed.
func New(prefix string, opts Options) *log.Logger {
	return NewFactory(opts).New(prefix)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
