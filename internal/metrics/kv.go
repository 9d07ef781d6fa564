package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	kvTimeout  = 2 * time.Second
	kvAttempts = 5
)

// KVStats keeps the counters in a JetStream key-value bucket so that the
// dashboard totals survive restarts. Increments use compare-and-set.
type KVStats struct {
	kv jetstream.KeyValue
}

// NewKVStats initialises missing counters with zero.
func NewKVStats(ctx context.Context, kv jetstream.KeyValue) (*KVStats, error) {
	for _, c := range Counters() {
		if _, err := kv.Create(ctx, string(c), []byte("0")); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("%s sayacı oluşturulamadı: %w", c, err)
		}
	}
	return &KVStats{kv: kv}, nil
}

func (s *KVStats) Inc(c Counter) {
	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()

	if err := s.add(ctx, c, 1); err != nil {
		slog.Warn("İstatistik güncellenemedi", "counter", c, "error", err)
	}
}

func (s *KVStats) add(ctx context.Context, c Counter, delta int64) error {
	key := string(c)
	var lastErr error
	for i := 0; i < kvAttempts; i++ {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err = s.kv.Create(ctx, key, []byte(strconv.FormatInt(delta, 10))); err == nil {
				return nil
			}
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		current, _ := strconv.ParseInt(string(entry.Value()), 10, 64)
		next := []byte(strconv.FormatInt(current+delta, 10))
		if _, err := s.kv.Update(ctx, key, next, entry.Revision()); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Get returns the current value of c.
func (s *KVStats) Get(ctx context.Context, c Counter) (int64, error) {
	entry, err := s.kv.Get(ctx, string(c))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s sayacı bozuk: %w", c, err)
	}
	return v, nil
}

// Snapshot returns every known counter.
func (s *KVStats) Snapshot(ctx context.Context) (map[Counter]int64, error) {
	out := make(map[Counter]int64, len(Counters()))
	for _, c := range Counters() {
		v, err := s.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = v
	}
	return out, nil
}
