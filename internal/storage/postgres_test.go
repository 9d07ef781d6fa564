package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T, limit int) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("AKI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AKI_TEST_POSTGRES_DSN ayarlı değil")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, limit)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func testMRN(t *testing.T) string {
	return fmt.Sprintf("test-%d", time.Now().UnixNano())
}

func TestPostgresStore_Upserts(t *testing.T) {
	s := newTestPostgres(t, 0)
	ctx := context.Background()
	mrn := testMRN(t)
	t.Cleanup(func() { s.db.Exec(`DELETE FROM patients WHERE mrn = $1`, mrn) })

	require.NoError(t, s.UpsertPatient(ctx, mrn, intPtr(35), sexPtr(SexFemale)))
	require.NoError(t, s.UpsertPatient(ctx, mrn, intPtr(35), sexPtr(SexFemale)))

	ts := time.Date(2025, time.February, 9, 13, 36, 0, 0, time.UTC)
	require.NoError(t, s.UpsertMeasurement(ctx, mrn, 165.65, ts))
	require.NoError(t, s.UpsertMeasurement(ctx, mrn, 165.65, ts))

	fv, err := s.FeatureVector(ctx, mrn)
	require.NoError(t, err)
	assert.Equal(t, 35, *fv.Age)
	assert.Equal(t, SexFemale, *fv.Sex)
	require.Len(t, fv.Measurements, 1)
	assert.True(t, fv.Measurements[0].Timestamp.Equal(ts))
}

func TestPostgresStore_HistoryFull(t *testing.T) {
	s := newTestPostgres(t, 2)
	ctx := context.Background()
	mrn := testMRN(t)
	t.Cleanup(func() { s.db.Exec(`DELETE FROM patients WHERE mrn = $1`, mrn) })

	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertMeasurement(ctx, mrn, 1, base))
	require.NoError(t, s.UpsertMeasurement(ctx, mrn, 2, base.Add(time.Hour)))
	assert.ErrorIs(t, s.UpsertMeasurement(ctx, mrn, 3, base.Add(2*time.Hour)), ErrHistoryFull)
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := newTestPostgres(t, 0)

	_, err := s.Patient(context.Background(), "no-such-mrn")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped transient", fmt.Errorf("x: %w", ErrTransient), true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"serialization", &pq.Error{Code: "40001"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"history full", ErrHistoryFull, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}
