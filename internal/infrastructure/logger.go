package infrastructure

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"paysync/internal/config"
)

// SetupLogger builds the process logger from config and installs it as the
// slog default. Unknown levels fall back to info.
func SetupLogger(cfg *config.Config) *slog.Logger {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}

	formatter := log.TextFormatter
	switch cfg.LogFormat {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Prefix:          cfg.LogPrefix,
		Formatter:       formatter,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
