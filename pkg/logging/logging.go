// Package logging builds the zap loggers used by armlatable.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where log output goes.
type Options struct {
	Level string
	// File, when set, receives JSON logs through a rotating writer.
	File string
	// Console writes human-readable logs to Stderr. Turn it off while a
	// TUI owns the terminal.
	Console bool
	// RawTerminal uses CRLF line endings so output stays aligned while the
	// terminal is in raw mode.
	RawTerminal bool
	// Stderr overrides os.Stderr for console output.
	Stderr io.Writer
}

// New builds a sugared logger and a function that flushes and closes its
// sinks. With neither sink enabled it returns a no-op logger.
func New(opts Options) (*zap.SugaredLogger, func(), error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		cores   []zapcore.Core
		closers []io.Closer
	)

	if opts.Console {
		w := opts.Stderr
		if w == nil {
			w = os.Stderr
		}
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		if opts.RawTerminal {
			enc.LineEnding = "\r\n"
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level))
	}

	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			Compress:   true,
		}
		closers = append(closers, lj)
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(lj), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() {
		_ = logger.Sync()
		for _, c := range closers {
			_ = c.Close()
		}
	}
	return logger.Sugar(), closeFn, nil
}
