package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/minasoft/aki-detector/internal/alert"
	"github.com/minasoft/aki-detector/internal/config"
	"github.com/minasoft/aki-detector/internal/journal"
	"github.com/minasoft/aki-detector/internal/metrics"
	"github.com/minasoft/aki-detector/internal/nats"
	"github.com/minasoft/aki-detector/internal/predictor"
	"github.com/minasoft/aki-detector/internal/router"
	"github.com/minasoft/aki-detector/internal/session"
	"github.com/minasoft/aki-detector/internal/storage"
	"github.com/minasoft/aki-detector/internal/web"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Yapılandırma yüklenemedi", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start embedded NATS server
	natsServer, err := nats.NewEmbeddedServer(cfg.StateDir)
	if err != nil {
		slog.Error("NATS sunucu başlatılamadı", "error", err)
		os.Exit(1)
	}
	defer natsServer.Shutdown()

	js := natsServer.JetStream()

	// Metrics: Prometheus for scraping, KV bucket for the dashboard
	prom := metrics.NewPrometheus()
	statsKV, err := natsServer.KeyValue(ctx, nats.StatsBucket)
	if err != nil {
		slog.Error("Stats KV açılamadı", "error", err)
		os.Exit(1)
	}
	stats, err := metrics.NewKVStats(ctx, statsKV)
	if err != nil {
		slog.Error("İstatistikler başlatılamadı", "error", err)
		os.Exit(1)
	}
	sink := metrics.Multi{prom, stats}

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Depolama başlatılamadı", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Alerts are queued on JetStream and delivered by the pager consumer
	pager := alert.NewPager(cfg.PagerAddress, alert.WithMetrics(sink))
	dispatcher := alert.NewDispatcher(js, pager)
	if err := dispatcher.Start(ctx); err != nil {
		slog.Error("Uyarı dağıtıcısı başlatılamadı", "error", err)
		os.Exit(1)
	}

	r := router.New(store, predictor.NewRatioPredictor(cfg.AKIThreshold), dispatcher, router.WithMetrics(sink))

	pendingKV, err := natsServer.KeyValue(ctx, nats.PendingBucket)
	if err != nil {
		slog.Error("Pending KV açılamadı", "error", err)
		os.Exit(1)
	}

	pending := journal.NewKV(pendingKV)
	listener := session.New(session.Config{
		Address:             cfg.MLLPAddress,
		ReconnectDelay:      cfg.ReconnectDelay,
		ReadTimeout:         cfg.ReadTimeout,
		AckPredictionErrors: cfg.AckOnPredictionError,
	}, r,
		session.WithJournal(pending),
		session.WithMetrics(sink),
	)

	// Create wait group for goroutines
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil {
			slog.Error("MLLP oturumu hatası", "error", err)
		}
	}()

	// Start web server
	webServer := web.NewServer(cfg.WebPort, web.Deps{
		JetStream: js,
		Store:     store,
		Journal:   pending,
		Session:   listener,
		Stats:     stats,
		Metrics:   prom.Handler(),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			slog.Error("Web sunucu hatası", "error", err)
		}
	}()

	slog.Info("AKI Detector başlatıldı",
		"mllpAddress", cfg.MLLPAddress,
		"pagerAddress", cfg.PagerAddress,
		"storage", cfg.StorageDriver,
		"webPort", cfg.WebPort,
	)

	// Print startup information
	printStartupInfo(cfg)

	// Wait for shutdown signal
	<-sigChan
	slog.Info("Kapatma sinyali alındı, sunucu kapatılıyor...")

	// Cancel context to stop all services
	cancel()

	// Wait for all goroutines to finish
	wg.Wait()
	dispatcher.Wait()

	slog.Info("AKI Detector kapatıldı")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var store storage.Store
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pg, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		store = pg
	default:
		store = storage.NewMemoryStore(cfg.HistoryLimit)
	}

	if cfg.HistoryFile == "" {
		return store, nil
	}

	f, err := os.Open(cfg.HistoryFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("geçmiş dosyası açılamadı: %w", err)
	}
	defer f.Close()

	stats, err := storage.LoadHistory(ctx, f, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	slog.Info("Geçmiş ölçümler yüklendi",
		"file", cfg.HistoryFile,
		"rows", stats.Rows,
		"measurements", stats.Measurements,
		"skipped", stats.Skipped,
	)
	return store, nil
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                    AKI Detector Başlatıldı                    ║
╠═══════════════════════════════════════════════════════════════╣
║ MLLP Kaynağı         : %-39s ║
║ Çağrı Sistemi        : %-39s ║
║ Web Dashboard        : http://localhost:%-22d ║
║                                                               ║
║ Depolama             : %-39s ║
║ AKI Eşiği            : %-39.2f ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(info,
		cfg.MLLPAddress,
		cfg.PagerAddress,
		cfg.WebPort,
		cfg.StorageDriver,
		cfg.AKIThreshold,
	)
}
