package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	aknats "github.com/minasoft/aki-detector/internal/nats"
)

const (
	consumerName = "pager"
	pageSubject  = aknats.AlertSubject + ".page"
)

// alertNamespace scopes the deterministic alert IDs
var alertNamespace = uuid.MustParse("5f1f0b7e-3d5c-4c8e-9a57-6c1f3f0a4b2d")

// Alert is the message queued on the alert stream.
type Alert struct {
	ID        string    `json:"id"`
	MRN       string    `json:"mrn"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// AlertID is stable for a patient and measurement time so that a replayed
// message does not queue a second page within the duplicate window.
func AlertID(mrn string, ts time.Time) string {
	return uuid.NewSHA1(alertNamespace, []byte(mrn+","+ts.UTC().Format(TimestampLayout))).String()
}

// Dispatcher queues alerts on JetStream and delivers them from a durable
// consumer, so the MLLP session never waits for the pager and queued alerts
// survive restarts.
type Dispatcher struct {
	js       jetstream.JetStream
	notifier Notifier
	wg       sync.WaitGroup
}

func NewDispatcher(js jetstream.JetStream, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		js:       js,
		notifier: notifier,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, mrn string, ts time.Time) error {
	a := Alert{
		ID:        AlertID(mrn, ts),
		MRN:       mrn,
		Timestamp: ts.UTC(),
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("uyarı serialize edilemedi: %w", err)
	}

	if _, err := d.js.Publish(ctx, pageSubject, data, jetstream.WithMsgID(a.ID)); err != nil {
		return fmt.Errorf("uyarı kuyruğa alınamadı: %w", err)
	}

	slog.Info("Uyarı kuyruğa alındı", "id", a.ID, "mrn", mrn)
	return nil
}

// Start begins delivering queued alerts until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	consumer, err := d.js.CreateOrUpdateConsumer(ctx, aknats.AlertStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		Description:   "AKI uyarılarını çağrı sistemine ileten consumer",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	})
	if err != nil {
		return fmt.Errorf("alert consumer oluşturulamadı: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		d.process(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("alert consumer başlatılamadı: %w", err)
	}

	slog.Info("Uyarı dağıtıcısı başlatıldı", "stream", aknats.AlertStream)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		cons.Stop()
		slog.Info("Uyarı dağıtıcısı durduruldu")
	}()

	return nil
}

// Wait blocks until the consumer started by Start has stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, msg jetstream.Msg) {
	var a Alert
	if err := json.Unmarshal(msg.Data(), &a); err != nil {
		slog.Error("Uyarı parse hatası", "error", err)
		msg.Term()
		return
	}

	// Delivery failures are logged and counted by the notifier; the alert is not retried further
	if err := d.notifier.Notify(context.WithoutCancel(ctx), a.MRN, a.Timestamp); err != nil {
		slog.Error("Uyarı teslim edilemedi", "id", a.ID, "mrn", a.MRN, "error", err)
	}
	msg.Ack()
}
