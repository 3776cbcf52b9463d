package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-qcan/internal/logging"
)

func setupLogger(format, level, app string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", app)
	logging.Set(l)
	return l
}
