package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/svenkat/orderentry/internal/app"
	"github.com/svenkat/orderentry/internal/broker"
	"github.com/svenkat/orderentry/internal/config"
	"github.com/svenkat/orderentry/internal/dashboard"
	"github.com/svenkat/orderentry/internal/marketdata"
	"github.com/svenkat/orderentry/internal/models"
	"github.com/svenkat/orderentry/internal/recommend"
	"github.com/svenkat/orderentry/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	prefix := cfg.Environment.LogPrefix
	if prefix == "" {
		prefix = "[SYNC] "
	}
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting order entry sync engine in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - orders will reach the broker")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Closing storage: %v", err)
		}
	}()

	if err := seedSettings(cfg, store, logger); err != nil {
		logger.Fatalf("Failed to seed settings: %v", err)
	}

	ib := broker.NewIBClient(cfg.Broker.GatewayURL, cfg.GetBrokerTimeout(), logger)
	guarded := broker.NewCircuitBreakerBroker(ib)

	market := marketdata.NewClient(cfg.MarketData.APIKey, cfg.MarketData.BaseURL, store, logger)

	sourceFactory := func() (recommend.Source, error) {
		return recommend.NewFileSource(cfg.Recommend.ExportDir, captureFunc(cfg.Recommend.ExportDir, logger)), nil
	}

	orchestrator := app.New(cfg, guarded, store, market, sourceFactory, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, dashLogger)
		go func() {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Dashboard server stopped: %v", err)
			}
		}()
	}

	if cfg.MarketData.BackfillDays > 0 {
		go backfillHeldTickers(ctx, store, market, cfg.MarketData.BackfillDays, logger)
	}

	if err := orchestrator.Run(ctx); err != nil {
		logger.Fatalf("Sync loop error: %v", err)
	}

	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := dash.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Dashboard shutdown: %v", err)
		}
	}

	logger.Println("Stopped cleanly")
}

// seedSettings writes the config's parse settings into the store on first
// run. Existing keys are left alone so live balance refreshes survive.
func seedSettings(cfg *config.Config, store storage.Interface, logger *log.Logger) error {
	if len(cfg.Settings) == 0 {
		return nil
	}
	existing, err := store.GetParseSettings()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, s := range existing {
		known[s.Key] = true
	}

	var seeds []models.ParseSetting
	for _, sc := range cfg.Settings {
		ps, err := sc.ParseSetting()
		if err != nil {
			return fmt.Errorf("setting %s: %w", sc.Key, err)
		}
		if known[ps.Key] {
			continue
		}
		seeds = append(seeds, ps)
	}
	if len(seeds) == 0 {
		return nil
	}
	logger.Printf("Seeding %d parse settings", len(seeds))
	return store.SaveParseSettings(seeds)
}

// backfillHeldTickers fills daily-bar history for every held ticker. It runs
// in the background since each ticker can take several rate windows.
func backfillHeldTickers(ctx context.Context, store storage.Interface, market *marketdata.Client, days int, logger *log.Logger) {
	positions, err := store.GetPositions(models.BrokerInteractiveBrokers)
	if err != nil {
		logger.Printf("Backfill skipped, cannot load positions: %v", err)
		return
	}
	for _, p := range positions {
		if ctx.Err() != nil {
			return
		}
		if err := market.Fill(ctx, p.Ticker, days); err != nil {
			logger.Printf("Backfill for %s stopped: %v", p.Ticker, err)
			return
		}
	}
}

// captureFunc records session failures next to the exports so a human can
// inspect what the engine saw.
func captureFunc(exportDir string, logger *log.Logger) recommend.CaptureFunc {
	return func(settingKey string, err error) {
		dir := filepath.Join(exportDir, "captures")
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			logger.Printf("Capture dir: %v", mkErr)
			return
		}
		name := fmt.Sprintf("%s-%s.txt", settingKey, time.Now().Format("20060102-150405"))
		if wErr := os.WriteFile(filepath.Join(dir, name), []byte(err.Error()), 0o600); wErr != nil {
			logger.Printf("Capture write: %v", wErr)
		}
	}
}
