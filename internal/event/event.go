package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 10000
	defaultTimeout  = 30 * time.Second
)

// Message is the local fan-out envelope. Topics are keyed by sessionID+roomCode
// so multiple windows of the same device observing the same match share one feed.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type Handler func(ctx context.Context, m Message) error

// Bus is the in-memory fan-out channel. Delivery is best-effort and
// asynchronous; handler failures are logged, never propagated.
type Bus struct {
	pool chan struct{}
	wg   *sync.WaitGroup

	mu     sync.RWMutex
	nextID int
	topics map[string]map[int]Handler
}

// NewBus creates a new fan-out bus. Caller should call Stop for graceful shutdown.
func NewBus() *Bus {
	return &Bus{
		pool:   make(chan struct{}, defaultPoolSize),
		wg:     new(sync.WaitGroup),
		topics: make(map[string]map[int]Handler),
	}
}

// Subscribe registers h on a topic and returns a cancel function removing the
// subscription. Cancel is safe to call more than once.
func (b *Bus) Subscribe(topic string, h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]Handler)
	}

	id := b.nextID
	b.nextID++
	b.topics[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers m to every subscriber of the topic.
func (b *Bus) Publish(ctx context.Context, topic string, m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.topics[topic] {
		b.dispatch(ctx, h, m)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, m Message) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-b.pool
			b.wg.Done()
		}()

		if err := h(ctx, m); err != nil {
			slog.ErrorContext(ctx, "event: handle message failed",
				"type", m.Type,
				"error", err,
			)
		}
	}()
}

// Stop waits for all in-flight handlers to finish.
func (b *Bus) Stop() {
	b.wg.Wait()
}
