package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// PendingBucket holds messages that were received but not yet acknowledged
	PendingBucket = "AKI_PENDING"
	// StatsBucket holds the dashboard counters
	StatsBucket = "AKI_STATS"
	// AlertStream queues pages for asynchronous delivery
	AlertStream = "AKI_ALERTS"
	// AlertSubject is the subject prefix of AlertStream
	AlertSubject = "aki.alerts"
)

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	// NATS sunucu ayarları
	opts := &server.Options{
		JetStream:  true,
		StoreDir:   filepath.Join(dataDir, "nats-store"),
		Port:       -1, // Random port, sadece internal kullanım
		HTTPPort:   -1, // HTTP monitoring kapalı
		NoSigs:     true,
		NoLog:      true,
		ServerName: "aki-detector",
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("store dizini oluşturulamadı: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("NATS sunucu oluşturulamadı: %w", err)
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS sunucu başlatılamadı")
	}

	slog.Info("Gömülü NATS sunucu başlatıldı", "clientURL", ns.ClientURL(), "storeDir", opts.StoreDir)

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("aki-detector"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS bağlantısı kurulamadı: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("JetStream başlatılamadı: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := es.createStreams(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	if err := es.createKVStores(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createStreams(ctx context.Context) error {
	// Alert stream (router -> pager)
	_, err := es.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        AlertStream,
		Description: "Klinik ekibe gönderilecek AKI uyarıları",
		Subjects:    []string{AlertSubject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour, // 7 gün
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     100000,
		MaxBytes:    100 * 1024 * 1024, // 100MB
	})
	if err != nil {
		return fmt.Errorf("alert stream oluşturulamadı: %w", err)
	}
	slog.Info("AKI_ALERTS stream oluşturuldu")

	return nil
}

func (es *EmbeddedServer) createKVStores(ctx context.Context) error {
	// Received but not yet acknowledged messages
	_, err := es.ensureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      PendingBucket,
		Description: "ACK gönderilmemiş HL7 mesajları",
		History:     1,
		TTL:         7 * 24 * time.Hour, // ACK sonrası çözülemeyen kayıtlar için üst sınır
		MaxBytes:    100 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("pending KV store oluşturulamadı: %w", err)
	}
	slog.Info("AKI_PENDING KV store oluşturuldu")

	_, err = es.ensureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      StatsBucket,
		Description: "AKI dedektörü istatistikleri",
		History:     1,
		TTL:         0,
		MaxBytes:    1024 * 1024, // 1MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("stats KV store oluşturulamadı: %w", err)
	}
	slog.Info("AKI_STATS KV store oluşturuldu")

	return nil
}

// ensureKeyValue opens an existing bucket so that state from a previous run is
// kept, creating it on first start.
func (es *EmbeddedServer) ensureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := es.js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return es.js.CreateKeyValue(ctx, cfg)
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

// KeyValue returns one of the buckets created at startup.
func (es *EmbeddedServer) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := es.js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%s KV store açılamadı: %w", bucket, err)
	}
	return kv, nil
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS sunucu kapatıldı")
}
