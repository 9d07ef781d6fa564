// Package router applies parsed HL7 events to storage, runs the predictor on
// new lab results and pages when AKI is predicted.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/minasoft/aki-detector/internal/alert"
	"github.com/minasoft/aki-detector/internal/hl7"
	"github.com/minasoft/aki-detector/internal/metrics"
	"github.com/minasoft/aki-detector/internal/predictor"
	"github.com/minasoft/aki-detector/internal/storage"
)

// Outcome decides whether the message is acknowledged.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeStorageError
	OutcomePredictionError
	OutcomeUnrecognized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeStorageError:
		return "STORAGE_ERROR"
	case OutcomePredictionError:
		return "PREDICTION_ERROR"
	case OutcomeUnrecognized:
		return "UNRECOGNIZED"
	}
	return "UNKNOWN"
}

type Router struct {
	store     storage.Store
	predictor predictor.Predictor
	notifier  alert.Notifier
	metrics   metrics.Sink
}

type Option func(*Router)

func WithMetrics(s metrics.Sink) Option {
	return func(r *Router) { r.metrics = metrics.OrNop(s) }
}

// New builds a router. notifier may be nil, in which case positive
// predictions are only logged.
func New(store storage.Store, p predictor.Predictor, notifier alert.Notifier, opts ...Option) *Router {
	r := &Router{
		store:     store,
		predictor: p,
		notifier:  notifier,
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route applies ev and reports the outcome. It never panics on partial events.
func (r *Router) Route(ctx context.Context, ev hl7.Event) Outcome {
	var outcome Outcome
	switch e := ev.(type) {
	case hl7.Admission:
		outcome = r.admit(ctx, e)
	case hl7.Discharge:
		slog.Debug("Taburcu mesajı", "mrn", e.MRN)
		outcome = OutcomeOK
	case hl7.LabResult:
		outcome = r.labResult(ctx, e)
	case hl7.Unrecognized:
		slog.Warn("Tanınmayan mesaj", "type", e.Type, "reason", e.Reason)
		outcome = OutcomeUnrecognized
	default:
		slog.Warn("Bilinmeyen olay", "type", eventType(ev))
		outcome = OutcomeUnrecognized
	}

	switch outcome {
	case OutcomeStorageError:
		r.metrics.Inc(metrics.StorageErrors)
	case OutcomePredictionError:
		r.metrics.Inc(metrics.PredictionErrors)
	case OutcomeUnrecognized:
		r.metrics.Inc(metrics.MessagesUnrecognized)
	}
	return outcome
}

func (r *Router) admit(ctx context.Context, e hl7.Admission) Outcome {
	mrn := strings.TrimSpace(e.MRN)
	if mrn == "" {
		slog.Warn("MRN olmadan kabul mesajı", "type", e.Type)
		return OutcomeUnrecognized
	}

	if err := r.store.UpsertPatient(ctx, mrn, e.Age, convertSex(e.Sex)); err != nil {
		slog.Error("Hasta kaydedilemedi", "mrn", mrn, "error", err)
		return OutcomeStorageError
	}

	slog.Info("Hasta kabul edildi", "mrn", mrn)
	return OutcomeOK
}

func (r *Router) labResult(ctx context.Context, e hl7.LabResult) Outcome {
	// Latest result time per MRN, in first-seen order
	var order []string
	latest := make(map[string]time.Time)

	for _, res := range e.Results {
		mrn := strings.TrimSpace(res.MRN)
		if res.Value == nil || mrn == "" {
			slog.Warn("Değeri olmayan sonuç atlandı", "mrn", mrn, "timestamp", res.Timestamp)
			continue
		}

		if err := r.store.UpsertMeasurement(ctx, mrn, *res.Value, res.Timestamp); err != nil {
			slog.Error("Ölçüm kaydedilemedi", "mrn", mrn, "error", err)
			return OutcomeStorageError
		}

		prev, seen := latest[mrn]
		if !seen {
			order = append(order, mrn)
		}
		if !seen || res.Timestamp.After(prev) {
			latest[mrn] = res.Timestamp
		}
	}

	for _, mrn := range order {
		if outcome := r.evaluate(ctx, mrn, latest[mrn]); outcome != OutcomeOK {
			return outcome
		}
	}
	return OutcomeOK
}

func (r *Router) evaluate(ctx context.Context, mrn string, ts time.Time) Outcome {
	fv, err := r.store.FeatureVector(ctx, mrn)
	if err != nil {
		slog.Error("Özellik vektörü okunamadı", "mrn", mrn, "error", err)
		return OutcomeStorageError
	}

	aki, err := r.predictor.Predict(ctx, fv)
	r.metrics.Inc(metrics.Predictions)
	if err != nil {
		slog.Error("Tahmin başarısız", "mrn", mrn, "error", err)
		return OutcomePredictionError
	}
	if !aki {
		return OutcomeOK
	}

	r.metrics.Inc(metrics.AKIDetected)
	slog.Info("AKI tespit edildi", "mrn", mrn, "timestamp", ts)

	if r.notifier == nil {
		return OutcomeOK
	}
	if err := r.notifier.Notify(ctx, mrn, ts); err != nil {
		slog.Error("Uyarı gönderilemedi", "mrn", mrn, "error", err)
	}
	return OutcomeOK
}

func convertSex(s *hl7.Sex) *storage.Sex {
	if s == nil {
		return nil
	}
	v := storage.Sex(*s)
	return &v
}

func eventType(ev hl7.Event) string {
	if ev == nil {
		return ""
	}
	return ev.MessageType()
}
