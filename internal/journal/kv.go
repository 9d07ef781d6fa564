package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nats-io/nats.go/jetstream"
)

// KV stores the journal in a JetStream key-value bucket. The entry key is the
// payload digest and the append order is the revision of the first write.
type KV struct {
	kv jetstream.KeyValue
}

func NewKV(kv jetstream.KeyValue) *KV {
	return &KV{kv: kv}
}

func (j *KV) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = ID(e.Payload)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("günlük kaydı serialize edilemedi: %w", err)
	}

	rev, err := j.kv.Create(ctx, e.ID, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		existing, gerr := j.get(ctx, e.ID)
		if gerr != nil {
			return Entry{}, gerr
		}
		slog.Debug("Mesaj zaten günlükte", "id", e.ID, "controlID", e.ControlID)
		return existing, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("günlüğe yazılamadı: %w", err)
	}

	e.Sequence = rev
	return e, nil
}

func (j *KV) Resolve(ctx context.Context, id string) error {
	// Purge drops the history too; a later Create for the same payload starts fresh
	if err := j.kv.Purge(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("günlük kaydı silinemedi: %w", err)
	}
	return nil
}

func (j *KV) Pending(ctx context.Context) ([]Entry, error) {
	keys, err := j.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("günlük anahtarları okunamadı: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, err := j.get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(a, b int) bool { return entries[a].Sequence < entries[b].Sequence })
	return entries, nil
}

func (j *KV) get(ctx context.Context, key string) (Entry, error) {
	kve, err := j.kv.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}

	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return Entry{}, fmt.Errorf("günlük kaydı bozuk: %s: %w", key, err)
	}
	e.Sequence = kve.Revision()
	return e, nil
}
