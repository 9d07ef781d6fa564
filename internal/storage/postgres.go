package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/minasoft/aki-detector/internal/retry"
)

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	mrn TEXT PRIMARY KEY,
	age INTEGER NULL,
	sex TEXT NULL CHECK (sex IN ('M', 'F', 'Other'))
);

CREATE TABLE IF NOT EXISTS measurements (
	mrn         TEXT NOT NULL REFERENCES patients (mrn) ON DELETE CASCADE,
	measured_at TIMESTAMPTZ NOT NULL,
	creatinine  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (mrn, measured_at)
);
`

// PostgresStore persists patients and measurements in PostgreSQL. Transient
// connection failures are retried through a reconnect before they surface as
// ErrTransient.
type PostgresStore struct {
	db      *sqlx.DB
	limit   int
	connect retry.Policy
	op      retry.Policy
}

type patientRow struct {
	MRN string         `db:"mrn"`
	Age sql.NullInt64  `db:"age"`
	Sex sql.NullString `db:"sex"`
}

// NewPostgresStore opens the database and waits until it answers a ping.
func NewPostgresStore(ctx context.Context, dsn string, historyLimit int) (*PostgresStore, error) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("veritabanı açılamadı: %w", err)
	}

	s := &PostgresStore{
		db:      db,
		limit:   historyLimit,
		connect: retry.Policy{MaxAttempts: 3, Delay: time.Second, Multiplier: 1.5},
		op:      retry.Fixed(2, 0),
	}

	if err := s.reconnect(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("PostgreSQL bağlantısı kuruldu", "historyLimit", historyLimit)
	return s, nil
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("şema oluşturulamadı: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPatient(ctx context.Context, mrn string, age *int, sex *Sex) error {
	mrn = strings.TrimSpace(mrn)
	if mrn == "" {
		return ErrInvalidMRN
	}

	query := `
		INSERT INTO patients (mrn, age, sex)
		VALUES ($1, $2, $3)
		ON CONFLICT (mrn) DO UPDATE SET age = EXCLUDED.age, sex = EXCLUDED.sex
	`
	return s.do(ctx, "upsert_patient", func() error {
		_, err := s.db.ExecContext(ctx, query, mrn, nullInt(age), nullSex(sex))
		return err
	})
}

func (s *PostgresStore) UpsertMeasurement(ctx context.Context, mrn string, value float64, ts time.Time) error {
	mrn = strings.TrimSpace(mrn)
	if mrn == "" {
		return ErrInvalidMRN
	}
	ts = ts.UTC()

	return s.do(ctx, "upsert_measurement", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Lock the owning patient so the history count cannot race
		if _, err := tx.ExecContext(ctx, `INSERT INTO patients (mrn) VALUES ($1) ON CONFLICT (mrn) DO NOTHING`, mrn); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM patients WHERE mrn = $1 FOR UPDATE`, mrn); err != nil {
			return err
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM measurements WHERE mrn = $1 AND measured_at = $2)`, mrn, ts); err != nil {
			return err
		}
		if !exists {
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM measurements WHERE mrn = $1`, mrn); err != nil {
				return err
			}
			if count >= s.limit {
				return retry.Permanent(fmt.Errorf("%w: mrn %s, %d ölçüm", ErrHistoryFull, mrn, s.limit))
			}
		}

		query := `
			INSERT INTO measurements (mrn, measured_at, creatinine)
			VALUES ($1, $2, $3)
			ON CONFLICT (mrn, measured_at) DO UPDATE SET creatinine = EXCLUDED.creatinine
		`
		if _, err := tx.ExecContext(ctx, query, mrn, ts, value); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *PostgresStore) Patient(ctx context.Context, mrn string) (Patient, error) {
	mrn = strings.TrimSpace(mrn)
	var p Patient
	err := s.do(ctx, "get_patient", func() error {
		var row patientRow
		err := s.db.GetContext(ctx, &row, `SELECT mrn, age, sex FROM patients WHERE mrn = $1`, mrn)
		if errors.Is(err, sql.ErrNoRows) {
			return retry.Permanent(fmt.Errorf("%w: mrn %s", ErrNotFound, mrn))
		}
		if err != nil {
			return err
		}
		p = row.patient()
		return nil
	})
	return p, err
}

func (s *PostgresStore) FeatureVector(ctx context.Context, mrn string) (FeatureVector, error) {
	mrn = strings.TrimSpace(mrn)
	var fv FeatureVector
	err := s.do(ctx, "get_feature_vector", func() error {
		var row patientRow
		err := s.db.GetContext(ctx, &row, `SELECT mrn, age, sex FROM patients WHERE mrn = $1`, mrn)
		if errors.Is(err, sql.ErrNoRows) {
			return retry.Permanent(fmt.Errorf("%w: mrn %s", ErrNotFound, mrn))
		}
		if err != nil {
			return err
		}

		var measurements []Measurement
		query := `
			SELECT measured_at, creatinine FROM measurements
			WHERE mrn = $1
			ORDER BY measured_at ASC
			LIMIT $2
		`
		if err := s.db.SelectContext(ctx, &measurements, query, mrn, s.limit); err != nil {
			return err
		}
		for i := range measurements {
			measurements[i].Timestamp = measurements[i].Timestamp.UTC()
		}

		p := row.patient()
		fv = FeatureVector{MRN: p.MRN, Age: p.Age, Sex: p.Sex, Measurements: measurements}
		return nil
	})
	return fv, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// do runs op, reconnecting between attempts on transient failures. Anything the
// database rejects for another reason is returned unchanged.
func (s *PostgresStore) do(ctx context.Context, name string, op func() error) error {
	err := retry.Do(ctx, s.op, func() error {
		err := op()
		if err == nil || !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, _ time.Duration) {
		slog.Warn("Veritabanı işlemi başarısız, yeniden bağlanılıyor",
			"operation", name,
			"attempt", attempt,
			"error", err)
		if rerr := s.reconnect(ctx); rerr != nil {
			slog.Error("Veritabanına yeniden bağlanılamadı", "error", rerr)
		}
	})
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransient, name, err)
	}
	return err
}

func (s *PostgresStore) reconnect(ctx context.Context) error {
	err := retry.Do(ctx, s.connect, func() error {
		return s.db.PingContext(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		slog.Error("Veritabanı bağlantısı başarısız", "attempt", attempt, "retryIn", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// isTransient reports whether err is worth a reconnect and retry
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, ErrTransient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57": // operator intervention
			return true
		}
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func (r patientRow) patient() Patient {
	p := Patient{MRN: r.MRN}
	if r.Age.Valid {
		age := int(r.Age.Int64)
		p.Age = &age
	}
	if r.Sex.Valid {
		sex := Sex(r.Sex.String)
		p.Sex = &sex
	}
	return p
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullSex(v *Sex) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}
