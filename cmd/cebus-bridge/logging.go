package main

import (
	"io"
	"os"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger installs the zerolog backend as the process default. With a
// file path set, output is teed to a rotated file.
func newLogger(c LogConfig) (*xlog.Logger, io.Closer) {
	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)

	if c.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File.Path,
			MaxSize:    max(c.File.MaxSizeMB, 10),
			MaxBackups: max(c.File.MaxBackups, 1),
			MaxAge:     max(c.File.MaxAgeDays, 1),
			Compress:   c.File.Compress,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	zc := zerolog.Config{
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            c.Caller,
		CallerSkip:        5,
		Writer:            w,
	}
	if c.Debug {
		zc.MinLevel = xlog.LevelDebug
	}
	return zerolog.Use(zc).With(xlog.Str("app", "cebus-bridge")), closer
}
