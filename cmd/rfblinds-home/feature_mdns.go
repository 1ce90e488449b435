//go:build !no_mdns

package main

import (
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService = "_rfblinds._tcp"
	mdnsDomain  = "local."
)

type mdnsStopper struct {
	server *zeroconf.Server
}

func (m *mdnsStopper) Stop() {
	if m.server != nil {
		m.server.Shutdown()
	}
}

// mdnsText is the TXT record advertised with the web API.
func mdnsText(cfg *Config) []string {
	txt := []string{"version=" + version, "path=/api"}
	if cfg.Web.APIKey != "" {
		txt = append(txt, "auth=api_key")
	}
	return txt
}

func initMDNS(cfg *Config, logger *slog.Logger) *mdnsStopper {
	if !cfg.Web.MDNS {
		return &mdnsStopper{}
	}
	server, err := zeroconf.Register(cfg.Web.MDNSName, mdnsService, mdnsDomain, cfg.Web.Port, mdnsText(cfg), nil)
	if err != nil {
		logger.Error("mdns register", "err", err)
		return &mdnsStopper{}
	}
	logger.Info("mdns advertising", "instance", cfg.Web.MDNSName, "service", mdnsService, "port", cfg.Web.Port)
	return &mdnsStopper{server: server}
}
