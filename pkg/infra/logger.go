package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/js-owl/maas-back/internal/config"
)

// SetupLogger builds the process logger from LOG_LEVEL/LOG_FORMAT and
// mirrors output to LOG_FILE when one is configured
func SetupLogger(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, logFile)
		}
	}
	return NewLogger(out, cfg.LogLevel, cfg.LogFormat)
}

func NewLogger(w io.Writer, levelName, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(levelName)}

	var handler slog.Handler
	if strings.ToUpper(format) == "JSON" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
