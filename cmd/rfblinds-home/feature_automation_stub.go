//go:build no_automation

package main

import (
	"log/slog"

	"rfblinds-go-home/internal/coordinator"
	"rfblinds-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
