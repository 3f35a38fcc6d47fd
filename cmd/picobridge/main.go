package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sipeed/picobridge/pkg/api"
	"github.com/sipeed/picobridge/pkg/bridge"
	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/channels"
	"github.com/sipeed/picobridge/pkg/channels/templates"
	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/cron"
	"github.com/sipeed/picobridge/pkg/logger"
	"github.com/sipeed/picobridge/pkg/session"
	"github.com/sipeed/picobridge/pkg/state"
)

func main() {
	configPath := flag.String("config", filepath.Join(config.DefaultDataDir(), "config.json"), "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "picobridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// A corrupt state file is a startup failure, not something to
	// discover request by request once the daemon is serving.
	globalState := state.NewStore(cfg.StatePath())
	if _, err := globalState.Load(); err != nil {
		return err
	}

	seen, err := channels.OpenSeenStore(cfg.SeenDBPath(), channels.DefaultSeenLimit)
	if err != nil {
		return fmt.Errorf("seen store: %w", err)
	}
	defer seen.Close()

	tmpl := templates.NewRegistry()
	if n, errs := tmpl.Load(cfg.TemplatesPath()); n > 0 || len(errs) > 0 {
		for _, e := range errs {
			logger.WarnCF("main", "Template skipped", map[string]interface{}{
				"error": e.Error(),
			})
		}
		logger.InfoCF("main", "Templates loaded", map[string]interface{}{
			"count": n,
		})
	}

	var chs []channels.Channel
	if cfg.Channels.Email != nil {
		chs = append(chs, channels.NewEmailChannel(cfg.Channels.Email, seen, tmpl))
	}
	if cfg.Channels.Telegram != nil {
		chs = append(chs, channels.NewTelegramChannel(cfg.Channels.Telegram, seen, tmpl))
	}
	if cfg.Channels.Discord != nil {
		chs = append(chs, channels.NewDiscordChannel(cfg.Channels.Discord, seen, tmpl))
	}
	if cfg.Channels.Twilio != nil {
		chs = append(chs, channels.NewTwilioChannel(cfg.Channels.Twilio, seen, tmpl))
	}
	if len(chs) == 0 {
		return fmt.Errorf("no channels configured, nothing to bridge")
	}

	mgr := channels.NewManager(chs...)
	if err := mgr.ValidateAll(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.InitializeAll(ctx); err != nil {
		return err
	}

	idle := time.Duration(cfg.Session.IdleTimeoutMinutes) * time.Minute
	registry := session.NewRegistry(idle)
	messageBus := bus.NewMessageBus()
	defer messageBus.Close()

	router := bridge.NewRouter(registry, mgr, globalState, messageBus)
	router.Start(ctx)
	defer router.Stop()

	sweeper, err := cron.NewSweeper(cfg.Session.SweepSchedule, router.EvictIdle)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	server := api.NewServer(cfg, router, messageBus)
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.InfoCF("main", "Bridge running", map[string]interface{}{
		"channels": len(chs),
		"addr":     fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
	})

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")

	if err := server.Stop(); err != nil {
		logger.WarnCF("main", "Server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}
