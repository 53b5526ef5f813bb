package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// PushChannel is the cross-device real-time path, backed by Redis pub/sub.
// Delivery is best-effort: messages published while a subscriber reconnects
// are silently dropped, which is why the ledger remains the backstop.
type PushChannel struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPushChannel(rc redis.UniversalClient, prefix string) *PushChannel {
	return &PushChannel{
		redis:  rc,
		prefix: prefix,
	}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) channel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, sessionID)
}

func (c *PushChannel) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("push: marshal %s: %w", ev.Type, err)
	}

	if err := c.redis.Publish(ctx, c.channel(ev.SessionID), b).Err(); err != nil {
		return fmt.Errorf("push: publish %s: %w", ev.Type, err)
	}

	return nil
}

func (c *PushChannel) Subscribe(ctx context.Context, sessionID string, deliver func(Event)) (func(), error) {
	ps := c.redis.Subscribe(ctx, c.channel(sessionID))

	// Force the subscription onto the wire before returning so a publish
	// immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("push: subscribe %s: %w", sessionID, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("push: drop malformed message",
					"session", sessionID,
					"error", err,
				)
				continue
			}

			deliver(ev)
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			slog.Warn("push: close subscription failed",
				"session", sessionID,
				"error", err,
			)
		}
	}, nil
}

var _ Channel = (*PushChannel)(nil)
