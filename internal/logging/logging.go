// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyradmin/internal/config"
	"github.com/ryandielhenn/zephyradmin/pkg/logstore"
)

// New returns a logger writing to stderr at cfg.Level. When store is non-nil
// every enabled entry is also retained there so the node can answer log
// queries about itself.
func New(cfg config.LogConfig, store *logstore.Store) (*zap.Logger, error) {
	return build(cfg, os.Stderr, store)
}

func build(cfg config.LogConfig, out io.Writer, store *logstore.Store) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.New: %w", err)
	}

	var enc zapcore.Encoder
	if cfg.Development {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), level)
	if store != nil {
		core = zapcore.NewTee(core, logstore.NewCore(store, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}
