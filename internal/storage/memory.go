package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type slot struct {
	used      bool
	timestamp time.Time
	value     float64
}

type patientRecord struct {
	age   *int
	sex   *Sex
	slots []slot
}

// MemoryStore is the in-process reference store. Every patient owns a fixed
// number of history slots that are filled first-free; a full history rejects
// new timestamps instead of evicting old ones.
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[string]*patientRecord
	limit    int
}

func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemoryStore{
		patients: make(map[string]*patientRecord),
		limit:    historyLimit,
	}
}

func (s *MemoryStore) UpsertPatient(ctx context.Context, mrn string, age *int, sex *Sex) error {
	mrn = strings.TrimSpace(mrn)
	if mrn == "" {
		return ErrInvalidMRN
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(mrn)
	rec.age = copyInt(age)
	rec.sex = copySex(sex)
	return nil
}

func (s *MemoryStore) UpsertMeasurement(ctx context.Context, mrn string, value float64, ts time.Time) error {
	mrn = strings.TrimSpace(mrn)
	if mrn == "" {
		return ErrInvalidMRN
	}
	ts = ts.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(mrn)

	free := -1
	for i := range rec.slots {
		if !rec.slots[i].used {
			if free == -1 {
				free = i
			}
			continue
		}
		if rec.slots[i].timestamp.Equal(ts) {
			rec.slots[i].value = value
			return nil
		}
	}

	if free == -1 {
		return fmt.Errorf("%w: mrn %s, %d ölçüm", ErrHistoryFull, mrn, s.limit)
	}
	rec.slots[free] = slot{used: true, timestamp: ts, value: value}
	return nil
}

func (s *MemoryStore) Patient(ctx context.Context, mrn string) (Patient, error) {
	mrn = strings.TrimSpace(mrn)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.patients[mrn]
	if !ok {
		return Patient{}, fmt.Errorf("%w: mrn %s", ErrNotFound, mrn)
	}
	return Patient{MRN: mrn, Age: copyInt(rec.age), Sex: copySex(rec.sex)}, nil
}

func (s *MemoryStore) FeatureVector(ctx context.Context, mrn string) (FeatureVector, error) {
	mrn = strings.TrimSpace(mrn)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.patients[mrn]
	if !ok {
		return FeatureVector{}, fmt.Errorf("%w: mrn %s", ErrNotFound, mrn)
	}

	fv := FeatureVector{
		MRN:          mrn,
		Age:          copyInt(rec.age),
		Sex:          copySex(rec.sex),
		Measurements: make([]Measurement, 0, len(rec.slots)),
	}
	for _, sl := range rec.slots {
		if sl.used {
			fv.Measurements = append(fv.Measurements, Measurement{Timestamp: sl.timestamp, Value: sl.value})
		}
	}
	sort.Slice(fv.Measurements, func(i, j int) bool {
		return fv.Measurements[i].Timestamp.Before(fv.Measurements[j].Timestamp)
	})
	return fv, nil
}

// Len returns the number of stored patients
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patients)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

// record returns the patient record, creating one with unknown demographics.
// Callers hold the write lock.
func (s *MemoryStore) record(mrn string) *patientRecord {
	rec, ok := s.patients[mrn]
	if !ok {
		rec = &patientRecord{slots: make([]slot, s.limit)}
		s.patients[mrn] = rec
	}
	return rec
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copySex(v *Sex) *Sex {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
