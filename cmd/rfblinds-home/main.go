// Rfblinds-home drives 433 MHz blinds motors through a serial radio stick
// and exposes them over HTTP, MQTT and Lua automations.
//
// Usage:
//
//	rfblinds-home [serve] [--config config.yaml]
//	rfblinds-home encode --protocol brel --action down --address 0xabcd --channel 1
//	rfblinds-home decode --protocol brel 0101...
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rfblinds-go-home/internal/coordinator"
	"rfblinds-go-home/internal/radio"
	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "rfblinds-home",
		Short: "433 MHz blinds controller",
		Long: `Controls Brel, Bofu and Somfy RTS blinds motors through a serial
433 MHz transceiver. Without a subcommand the service is started.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the blinds service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(newEncodeCmd(), newDecodeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rfblinds-home %s\n", version)
		},
	})
	return root
}

func openRadio(cfg *Config, logger *slog.Logger) (radio.Transceiver, error) {
	switch cfg.Radio.Type {
	case "serial":
		logger.Info("using serial radio", "port", cfg.Radio.Port, "baud", cfg.Radio.BaudRate)
		return radio.OpenSerial(cfg.Radio.Port, cfg.Radio.BaudRate, logger)
	case "mock":
		logger.Warn("using mock radio, nothing will be transmitted")
		return radio.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown radio type: %q (supported: serial, mock)", cfg.Radio.Type)
	}
}

func runServe(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("rfblinds-home starting", "version", version)

	models, err := coordinator.LoadModelDir(cfg.ProfilesDir, logger)
	if err != nil {
		return fmt.Errorf("load model definitions: %w", err)
	}
	logger.Info("models loaded", "count", models.Len())

	db, err := store.NewBoltStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	rt, err := openRadio(cfg, logger)
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}
	defer rt.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(rt, db, cfg.codecs(), models, events, coordinator.RadioConfig{
		Type: cfg.Radio.Type,
		Port: cfg.Radio.Port,
		Baud: cfg.Radio.BaudRate,
	}, logger)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		coord.Stop()
		return fmt.Errorf("start coordinator: %w", err)
	}

	// No-op when built with no_automation.
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:        cfg.listenAddr(),
		Handler:     webServer,
		ReadTimeout: 15 * time.Second,
		// Pairing holds the request for several seconds of transmissions.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// No-op when built with no_mqtt or no_mdns.
	mqtt := initMQTT(coord, cfg, logger)
	mdns := initMDNS(cfg, logger)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mdns.Stop()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
	return nil
}
