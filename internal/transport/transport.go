// Package transport reconciles session events arriving over independent,
// unreliable delivery paths: the same-device local fan-out, the cross-device
// push channel, and the authoritative ledger. Redundant deliveries of one
// logical event collapse into a single handler invocation.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Event is the envelope carried on every channel.
type Event struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into an envelope stamped with the current time.
func NewEvent(sessionID, eventType string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("transport: marshal %s payload: %w", eventType, err)
	}

	return Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   b,
		Timestamp: time.Now(),
	}, nil
}

// dedupKey identifies a logically distinct event regardless of which channel
// carried it: (sessionID is the map key) eventType + content hash.
func dedupKey(ev Event) string {
	return fmt.Sprintf("%s:%x", ev.Type, xxhash.Sum64(ev.Payload))
}

// Handler receives each logically distinct event at most once.
type Handler func(ctx context.Context, ev Event) error

// Channel is one best-effort delivery path. Publish and Subscribe failures
// are never fatal to the caller; the bridge logs and falls back.
type Channel interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, sessionID string, deliver func(Event)) (cancel func(), err error)
}
