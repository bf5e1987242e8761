// Package logx provides the process-wide structured logger used by every
// subsystem in this module, the same shape the shell executor and block
// device layers expect from `logger.Logger()` in the teacher codebase this
// tool was grown from.
package logx

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	sugar  *zap.SugaredLogger
	traced bool
)

// EnableTracing turns on file:line:func annotated output, matching the
// optional tracing diagnostics described in spec §7. It applies only to
// a logger built after the call: once Logger() has run (package-level
// log variables call it during initialization), it has no effect.
func EnableTracing() {
	traced = true
}

// Logger returns the process-wide sugared logger, building it lazily on
// first use so tests that never touch logging pay nothing for it.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.TimeKey = "" // diagnostics go to stderr with argv[0] prefix, not timestamps
		cfg.EncoderConfig.CallerKey = ""
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		opts := []zap.Option{zap.AddCallerSkip(1)}
		if traced {
			cfg.EncoderConfig.CallerKey = "caller"
			cfg.EncoderConfig.FunctionKey = "func"
			opts = append(opts, zap.AddCaller())
		}

		logger, err := cfg.Build(opts...)
		if err != nil {
			// Logging must never be the reason the tool can't start.
			logger = zap.NewNop()
			os.Stderr.WriteString("cvmdisk: failed to initialize logger: " + err.Error() + "\n")
		}
		sugar = logger.Named(filepath.Base(os.Args[0])).Sugar()
	})
	return sugar
}

// Sync flushes any buffered log entries. Callers should defer this from
// main(); errors are intentionally swallowed since stderr sinks commonly
// return ENOTTY for Sync on a terminal.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}
