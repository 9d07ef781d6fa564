package storage

import (
	"context"
	"errors"
	"time"
)

// DefaultHistoryLimit is the number of measurement slots kept per patient.
const DefaultHistoryLimit = 50

var (
	// ErrNotFound is returned for reads of an unknown MRN
	ErrNotFound = errors.New("hasta bulunamadı")
	// ErrTransient means the backing store is unavailable; retry after reconnecting
	ErrTransient = errors.New("depolama geçici olarak kullanılamıyor")
	// ErrHistoryFull means every measurement slot of the patient is in use
	ErrHistoryFull = errors.New("ölçüm geçmişi dolu")
	// ErrInvalidMRN rejects empty patient identifiers
	ErrInvalidMRN = errors.New("geçersiz MRN")
)

type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexOther  Sex = "Other"
)

type Patient struct {
	MRN string `json:"mrn" db:"mrn"`
	Age *int   `json:"age,omitempty" db:"age"`
	Sex *Sex   `json:"sex,omitempty" db:"sex"`
}

type Measurement struct {
	Timestamp time.Time `json:"timestamp" db:"measured_at"`
	Value     float64   `json:"value" db:"creatinine"`
}

// FeatureVector is the input of the predictor: demographics plus the measurement
// history in ascending timestamp order.
type FeatureVector struct {
	MRN          string        `json:"mrn"`
	Age          *int          `json:"age,omitempty"`
	Sex          *Sex          `json:"sex,omitempty"`
	Measurements []Measurement `json:"measurements"`
}

// Latest returns the most recent measurement.
func (fv FeatureVector) Latest() (Measurement, bool) {
	if len(fv.Measurements) == 0 {
		return Measurement{}, false
	}
	return fv.Measurements[len(fv.Measurements)-1], true
}

// Store is the persistence port used by the router. Both upserts are idempotent:
// patients are keyed by MRN, measurements by (MRN, timestamp).
type Store interface {
	UpsertPatient(ctx context.Context, mrn string, age *int, sex *Sex) error
	UpsertMeasurement(ctx context.Context, mrn string, value float64, ts time.Time) error
	Patient(ctx context.Context, mrn string) (Patient, error)
	FeatureVector(ctx context.Context, mrn string) (FeatureVector, error)
	Ping(ctx context.Context) error
	Close() error
}
