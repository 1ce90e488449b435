//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"rfblinds-go-home/internal/automation"
	"rfblinds-go-home/internal/coordinator"
	"rfblinds-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.Automations.Dir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	var sysCfg automation.SystemConfig
	if cfg.Automations.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Automations.Timezone)
		if err != nil {
			logger.Warn("invalid automations.timezone, using local time", "value", cfg.Automations.Timezone, "err", err)
		} else {
			sysCfg.Location = loc
		}
	}

	engine := automation.NewEngine(coord, scriptMgr, logger, sysCfg)
	engine.Start()

	return &autoStopper{engine: engine}, []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
}
