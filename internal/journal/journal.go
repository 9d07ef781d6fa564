// Package journal records every received MLLP message until it has been
// acknowledged, so that a crash between receipt and ACK does not lose it.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Entry is one received but unresolved message.
type Entry struct {
	ID         string    `json:"id"`
	ControlID  string    `json:"controlId"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
	Sequence   uint64    `json:"sequence"`
}

// Journal is append-only until Resolve. Pending returns entries in append
// order. Appending a payload that is already pending keeps a single entry.
type Journal interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Resolve(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]Entry, error)
}

// ID derives the entry key from the payload so that redeliveries collapse.
func ID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewEntry builds an entry for payload received at now.
func NewEntry(payload []byte, controlID string, now time.Time) Entry {
	return Entry{
		ID:         ID(payload),
		ControlID:  controlID,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: now.UTC(),
	}
}
