// Package logging builds the logr.Logger every component takes, backed by
// zap.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger at the given logr verbosity and a flush func for
// shutdown. Development mode prints console lines instead of JSON.
func New(verbosity int, development bool) (logr.Logger, func(), error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	// logr V(n) maps to zap level -n
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))

	z, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("logging: build zap: %w", err)
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}
