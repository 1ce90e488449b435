//go:build no_mdns

package main

import "log/slog"

type mdnsStopper struct{}

func (m *mdnsStopper) Stop() {}

func initMDNS(cfg *Config, logger *slog.Logger) *mdnsStopper {
	if cfg.Web.MDNS {
		logger.Warn("mdns enabled in config but not compiled in")
	}
	return &mdnsStopper{}
}
