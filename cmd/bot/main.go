// Package main is the entry point of the GMO Coin FX bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tomiyuta/gmo-coin-bot/internal/alert"
	"github.com/tomiyuta/gmo-coin-bot/internal/backup"
	"github.com/tomiyuta/gmo-coin-bot/internal/config"
	"github.com/tomiyuta/gmo-coin-bot/internal/exchange/gmo"
	"github.com/tomiyuta/gmo-coin-bot/internal/executor"
	"github.com/tomiyuta/gmo-coin-bot/internal/http/handler"
	"github.com/tomiyuta/gmo-coin-bot/internal/ledger"
	"github.com/tomiyuta/gmo-coin-bot/internal/metrics"
	"github.com/tomiyuta/gmo-coin-bot/internal/monitor"
	"github.com/tomiyuta/gmo-coin-bot/internal/pnl"
	"github.com/tomiyuta/gmo-coin-bot/internal/scheduler"
	"github.com/tomiyuta/gmo-coin-bot/internal/sizer"
	"github.com/tomiyuta/gmo-coin-bot/internal/supervisor"
	"github.com/tomiyuta/gmo-coin-bot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	httpAddr := flag.String("http", ":8080", "Status server listen address (empty disables)")
	flag.Parse()

	// Secrets may live in a .env next to the binary.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("GMO Coin FX bot starting",
		zap.String("config", *configPath),
		zap.String("plan", cfg.TradePlanPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()
	collector := metrics.NewCollector(clk)
	client := gmo.NewClient(cfg.APIKey, cfg.APISecret, collector, log, clk)

	var notifier alert.Notifier
	if cfg.DiscordWebhookURL != "" {
		notifier, err = alert.NewWebhookNotifier(cfg.DiscordWebhookURL, log)
		if err != nil {
			log.Fatal("failed to initialize notifier", zap.Error(err))
		}
	} else {
		notifier = alert.NewNoOpNotifier()
	}
	defer notifier.Close()

	history := pnl.NewHistory()
	volumes := ledger.NewDailyVolume(cfg.SymbolDailyVolumeLimit)
	positionSizer := sizer.New(client, cfg.RiskRatio, log)
	exec := executor.New(client, positionSizer, volumes, history, collector, notifier, cfg, log, clk)
	mon := monitor.New(client, exec, notifier, cfg, log, clk)
	sched := scheduler.New(exec, mon, client, history, notifier, cfg, log, clk)

	backupRunner := backup.NewRunner(cfg.BackupDir,
		[]string{*configPath, cfg.TradePlanPath, cfg.ResultsDir}, log)
	sup := supervisor.New(client, exec, sched, backupRunner, volumes, collector,
		notifier, cfg, log, clk, cancel)

	if cfg.DiscordBotToken != "" {
		bot, err := alert.NewCommandBot(cfg.DiscordBotToken, cfg.DiscordAdminIDs, sup, log)
		if err != nil {
			log.Fatal("failed to initialize command bot", zap.Error(err))
		}
		if err := bot.Start(); err != nil {
			log.Fatal("failed to connect command bot", zap.Error(err))
		}
		defer bot.Close()
	}

	if *httpAddr != "" {
		router := chi.NewRouter()
		handler.NewStatusHandler(sup, collector).RegisterRoutes(router)
		go func() {
			log.Info("status server starting", zap.String("addr", *httpAddr))
			if err := http.ListenAndServe(*httpAddr, router); err != nil {
				log.Error("status server failed", zap.Error(err))
			}
		}()
	}

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){mon.Run, sched.Run, sup.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Warn("signal received", zap.String("signal", sig.String()))
		sup.Stop(fmt.Sprintf("signal %s", sig))
	case <-ctx.Done():
	}

	wg.Wait()
	log.Info("shutdown complete", zap.String("log_dir", filepath.Clean(cfg.LogDir)))
}
