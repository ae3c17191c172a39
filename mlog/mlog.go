// Package mlog builds the process-wide zap logger. Its sinks are
// unbuffered: a log call made on the event loop writes to stdout or the
// log file before it returns.
package mlog

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the CLI surface's logging-related flags (-d, -l).
type Config struct {
	// Debug selects a human-readable console encoder writing to stdout,
	// matching the original daemon's "-d: don't fork, print debug".
	Debug bool
	// File, when non-empty, is opened for append and used as the JSON
	// sink instead of stdout (the "-l" flag). Ignored when Debug is set.
	File string
	// Discard silences the logger entirely (daemonized, no -l): the
	// original redirects fd 1/2 to /dev/null in this case.
	Discard bool
}

// New builds a *zap.Logger from Config. The returned logger is safe to
// share across the metrics goroutine and the event loop; callers on the
// event loop must still avoid Logger.Sync() on every call.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Discard {
		return zap.NewNop(), nil
	}

	var enc zapcore.Encoder
	var out zapcore.WriteSyncer
	level := zap.InfoLevel

	if cfg.Debug {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
		out = zapcore.AddSync(os.Stdout)
		level = zap.DebugLevel
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)

		var w io.Writer = os.Stdout
		if cfg.File != "" {
			f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
			if err != nil {
				return nil, err
			}
			w = f
		}
		out = zapcore.AddSync(w)
	}

	core := zapcore.NewCore(enc, out, level)
	return zap.New(core), nil
}
