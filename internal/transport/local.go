package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/quizchain/quizchain/internal/event"
)

// LocalChannel is the same-device fan-out path, backed by the in-memory bus.
// Topics are keyed by sessionID+roomCode; Bind records the room code so every
// window of the same match lands on one topic.
type LocalChannel struct {
	bus *event.Bus

	mu    sync.RWMutex
	rooms map[string]string // sessionID -> roomCode
}

func NewLocalChannel(bus *event.Bus) *LocalChannel {
	return &LocalChannel{
		bus:   bus,
		rooms: make(map[string]string),
	}
}

func (c *LocalChannel) Name() string { return "local" }

// Bind associates a session with its room code for topic construction.
func (c *LocalChannel) Bind(sessionID, roomCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[sessionID] = roomCode
}

func (c *LocalChannel) topic(sessionID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if room, ok := c.rooms[sessionID]; ok {
		return fmt.Sprintf("%s+%s", sessionID, room)
	}
	return sessionID
}

func (c *LocalChannel) Publish(ctx context.Context, ev Event) error {
	c.bus.Publish(ctx, c.topic(ev.SessionID), event.Message{
		Type:      ev.Type,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	})
	return nil
}

func (c *LocalChannel) Subscribe(_ context.Context, sessionID string, deliver func(Event)) (func(), error) {
	cancel := c.bus.Subscribe(c.topic(sessionID), func(_ context.Context, m event.Message) error {
		deliver(Event{
			SessionID: sessionID,
			Type:      m.Type,
			Payload:   m.Payload,
			Timestamp: m.Timestamp,
		})
		return nil
	})

	return cancel, nil
}

var _ Channel = (*LocalChannel)(nil)
