package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/minasoft/aki-detector/internal/config"
	"github.com/minasoft/aki-detector/internal/simulator"
)

func main() {
	cfg, err := config.LoadSimulator()
	if err != nil {
		slog.Error("Yapılandırma yüklenemedi", "error", err)
		os.Exit(1)
	}

	messages, err := simulator.LoadMessagesFile(cfg.MessagesFile)
	if err != nil {
		slog.Error("Mesaj dosyası okunamadı", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mllpServer := simulator.NewMLLPServer(messages, simulator.WithAckTimeout(cfg.AckTimeout))
	if err := mllpServer.Start(ctx, fmt.Sprintf(":%d", cfg.MLLPPort)); err != nil {
		slog.Error("MLLP simülatörü başlatılamadı", "error", err)
		os.Exit(1)
	}
	defer mllpServer.Stop()

	pagerServer := simulator.NewPagerServer()
	pagerDone := make(chan struct{})
	go func() {
		defer close(pagerDone)
		if err := pagerServer.Start(ctx, fmt.Sprintf(":%d", cfg.PagerPort)); err != nil {
			slog.Error("Çağrı simülatörü hatası", "error", err)
		}
	}()

	slog.Info("Simülatör başlatıldı",
		"mllpPort", cfg.MLLPPort,
		"pagerPort", cfg.PagerPort,
		"messages", len(messages),
	)

	select {
	case <-sigChan:
		slog.Info("Kapatma sinyali alındı, simülatör kapatılıyor...")
	case <-mllpServer.Done():
		slog.Info("Tüm mesajlar onaylandı", "acks", len(mllpServer.Acks()))
		<-sigChan
	}

	cancel()
	<-pagerDone
	slog.Info("Simülatör kapatıldı", "pages", len(pagerServer.Pages()))
}
