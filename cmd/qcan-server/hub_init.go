package main

import (
	"log/slog"

	"github.com/kstaniek/go-qcan/internal/hub"
)

func initHub(cfg *appConfig, channel int, l *slog.Logger) *hub.Hub {
	h := hub.New(channel)
	h.OutBufSize = cfg.hubBuffer
	h.Policy = hub.ParsePolicy(cfg.hubPolicy)
	l.Debug("hub_config", "channel", channel, "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
