// Package util provides logging setup and traffic statistics shared by the
// relay and the client.
package util

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pterm/pterm"
	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log backends accepted by SetupLogger.
const (
	BackendPterm = "pterm"
	BackendZap   = "zap"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// SetupLogger builds the slog logger for the chosen backend, tags it with the
// service name and installs it as the process default.
func SetupLogger(backend, service string, debug bool) (*slog.Logger, error) {
	var h slog.Handler
	switch backend {
	case "", BackendPterm:
		if debug {
			EnableDebug()
		}
		h = pterm.NewSlogHandler(&pterm.DefaultLogger)
	case BackendZap:
		h = newZapHandler(debug)
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}

	logger := slog.New(h).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger, nil
}

func newZapHandler(debug bool) slog.Handler {
	lvl := zapcore.InfoLevel
	if debug {
		lvl = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stdout), lvl)
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)

	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return slogzap.Option{Level: zapToSlog(lvl), Logger: z}.NewZapHandler()
}

func zapToSlog(lvl zapcore.Level) slog.Level {
	if lvl <= zapcore.DebugLevel {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Leveled logging functions backed by pterm prefixed printers, used for
// interactive CLI output. All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...any) {
	pterm.Success.Println(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
