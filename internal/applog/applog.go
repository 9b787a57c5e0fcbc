package applog

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the application logger. An empty File disables the file
// output; a zero UIBuffer disables the UI channel.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	UIBuffer   int
	// Output receives a copy of every line when set
	Output io.Writer
	// Prefix is written in front of every line
	Prefix string
}

// Logger is a *log.Logger writing to a rotating file and to the log pane of
// the console.
type Logger struct {
	*log.Logger
	file *lumberjack.Logger
	ui   *ChannelWriter
}

func New(opts Options) (*Logger, error) {
	l := &Logger{}
	var writers []io.Writer

	if opts.UIBuffer > 0 {
		l.ui = NewChannelWriter(opts.UIBuffer)
		writers = append(writers, l.ui)
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, l.file)
	}

	if opts.Output != nil {
		writers = append(writers, opts.Output)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	l.Logger = log.New(out, opts.Prefix, log.LstdFlags|log.Lmicroseconds)
	return l, nil
}

// UIChannel returns the lines for the log pane, nil when disabled.
func (l *Logger) UIChannel() <-chan string {
	if l.ui == nil {
		return nil
	}
	return l.ui.C()
}

// Dropped counts lines the log pane missed because it fell behind.
func (l *Logger) Dropped() int64 {
	if l.ui == nil {
		return 0
	}
	return l.ui.Dropped()
}

// Rotate starts a new log file.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ChannelWriter hands every write to a buffered channel. A write never blocks:
// when the channel is full the line is dropped.
type ChannelWriter struct {
	ch      chan string
	dropped atomic.Int64
}

func NewChannelWriter(buffer int) *ChannelWriter {
	return &ChannelWriter{ch: make(chan string, buffer)}
}

func (w *ChannelWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- string(p):
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *ChannelWriter) C() <-chan string {
	return w.ch
}

func (w *ChannelWriter) Dropped() int64 {
	return w.dropped.Load()
}
