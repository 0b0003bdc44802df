package zap

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/cacheaside"
)

var _ cacheaside.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New builds a production (JSON) or development (console) zap logger at the
// given level ("debug", "info", "warn", "error").
func New(level string, development bool) (ZapLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return ZapLogger{}, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return ZapLogger{}, err
	}
	return ZapLogger{L: l}, nil
}

func (z ZapLogger) Debug(msg string, f cacheaside.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f cacheaside.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f cacheaside.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f cacheaside.Fields) { z.L.Error(msg, zf(f)...) }

// Sync flushes buffered entries.
func (z ZapLogger) Sync() error { return z.L.Sync() }

// zf converts fields in key order so output is stable. Errors are logged
// with zap.NamedError to keep their message instead of a struct dump.
func zf(f cacheaside.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	ks := make([]string, 0, len(f))
	for k := range f {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]zap.Field, 0, len(f))
	for _, k := range ks {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
