package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/ledger"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultPollMax       = 8 * time.Second
	defaultLedgerRetries = 3
	ledgerRetryBase      = 200 * time.Millisecond
)

type Config struct {
	Channels []Channel
	Ledger   ledger.Client

	// PollInterval is the initial backoff of the ledger fallback poll,
	// doubling up to PollMax.
	PollInterval time.Duration
	PollMax      time.Duration
	// LedgerRetries bounds retries of a single failing ledger read before the
	// fallback surfaces a recoverable error.
	LedgerRetries int
}

// Bridge fans events out across every configured channel and collapses
// redundant deliveries before they reach subscribers.
type Bridge struct {
	channels []Channel
	ledger   ledger.Client

	pollInterval  time.Duration
	pollMax       time.Duration
	ledgerRetries int

	mu     sync.Mutex
	feeds  map[string]*feed
	nextID int
}

// feed is the per-session delivery state: one channel subscription set and
// one dedup table shared by all subscribers of that session.
type feed struct {
	cancels []func()
	subs    map[int]subscriber
	seen    map[string]struct{}
}

type subscriber struct {
	eventType string
	h         Handler
}

func New(c Config) *Bridge {
	b := &Bridge{
		channels:      c.Channels,
		ledger:        c.Ledger,
		pollInterval:  c.PollInterval,
		pollMax:       c.PollMax,
		ledgerRetries: c.LedgerRetries,
		feeds:         make(map[string]*feed),
	}

	if b.pollInterval == 0 {
		b.pollInterval = defaultPollInterval
	}
	if b.pollMax == 0 {
		b.pollMax = defaultPollMax
	}
	if b.ledgerRetries == 0 {
		b.ledgerRetries = defaultLedgerRetries
	}

	return b
}

// Bind associates a session with its room code on every channel that keys
// topics by it.
func (b *Bridge) Bind(sessionID, roomCode string) {
	for _, ch := range b.channels {
		if bc, ok := ch.(interface{ Bind(sessionID, roomCode string) }); ok {
			bc.Bind(sessionID, roomCode)
		}
	}
}

// Publish fans the event out on every channel currently available. Channel
// failures are logged and swallowed; at least the publisher's own local
// subscribers will observe the event.
func (b *Bridge) Publish(ctx context.Context, ev Event) {
	for _, ch := range b.channels {
		if err := ch.Publish(ctx, ev); err != nil {
			slog.WarnContext(ctx, "transport: publish failed",
				"channel", ch.Name(),
				"event", ev.Type,
				"error", err,
			)
			channelErrorsTotal.WithLabelValues(ch.Name()).Inc()
			continue
		}

		publishedTotal.WithLabelValues(ch.Name(), ev.Type).Inc()
	}
}

// Subscribe delivers each logically distinct event of the given type for the
// session to h at most once, no matter how many channels carried it. The
// returned cancel releases the subscription and is safe to call repeatedly.
func (b *Bridge) Subscribe(ctx context.Context, sessionID, eventType string, h Handler) func() {
	b.mu.Lock()

	f := b.feeds[sessionID]
	if f == nil {
		f = &feed{
			subs: make(map[int]subscriber),
			seen: make(map[string]struct{}),
		}
		b.feeds[sessionID] = f

		deliver := func(ev Event) {
			b.deliver(context.WithoutCancel(ctx), ev)
		}
		for _, ch := range b.channels {
			cancel, err := ch.Subscribe(ctx, sessionID, deliver)
			if err != nil {
				slog.WarnContext(ctx, "transport: subscribe failed",
					"channel", ch.Name(),
					"session", sessionID,
					"error", err,
				)
				channelErrorsTotal.WithLabelValues(ch.Name()).Inc()
				continue
			}
			f.cancels = append(f.cancels, cancel)
		}
	}

	id := b.nextID
	b.nextID++
	f.subs[id] = subscriber{eventType: eventType, h: h}

	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			f := b.feeds[sessionID]
			if f == nil {
				return
			}

			delete(f.subs, id)
			if len(f.subs) == 0 {
				for _, cancel := range f.cancels {
					cancel()
				}
				delete(b.feeds, sessionID)
			}
		})
	}
}

func (b *Bridge) deliver(ctx context.Context, ev Event) {
	b.mu.Lock()

	f := b.feeds[ev.SessionID]
	if f == nil {
		b.mu.Unlock()
		return
	}

	key := dedupKey(ev)
	if _, dup := f.seen[key]; dup {
		duplicatesTotal.WithLabelValues(ev.Type).Inc()
		b.mu.Unlock()
		return
	}
	f.seen[key] = struct{}{}

	handlers := make([]Handler, 0, len(f.subs))
	for _, s := range f.subs {
		if s.eventType == ev.Type {
			handlers = append(handlers, s.h)
		}
	}

	b.mu.Unlock()

	if len(handlers) > 0 {
		deliveredTotal.WithLabelValues(ev.Type).Inc()
	}
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "transport: handle event failed",
				"event", ev.Type,
				"session", ev.SessionID,
				"error", err,
			)
		}
	}
}

// WaitForStarted blocks until the session's started event is observed on any
// channel. If neither best-effort channel delivers it within the window, the
// bridge falls back to polling the ledger with exponential backoff until the
// authoritative event is observed or ctx expires.
func (b *Bridge) WaitForStarted(ctx context.Context, sessionID string, window time.Duration) (*domain.StartedPayload, error) {
	started := make(chan domain.StartedPayload, 1)
	cancel := b.Subscribe(ctx, sessionID, domain.EventGameStarted, func(_ context.Context, ev Event) error {
		var p domain.StartedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}

		select {
		case started <- p:
		default:
		}
		return nil
	})
	defer cancel()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case p := <-started:
		return &p, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeDeadlineExceeded,
			errors.WithMessagef("session start not observed: %s", sessionID),
			errors.WithCause(ctx.Err()))
	case <-timer.C:
	}

	slog.InfoContext(ctx, "transport: start event missed, polling ledger",
		"session", sessionID,
		"window", window,
	)
	startFallbacksTotal.Inc()

	return b.pollStarted(ctx, sessionID, started)
}

func (b *Bridge) pollStarted(ctx context.Context, sessionID string, started <-chan domain.StartedPayload) (*domain.StartedPayload, error) {
	backoff := b.pollInterval

	for {
		s, err := b.getSession(ctx, sessionID)
		if err != nil {
			return nil, errors.New(errors.CodeUnavailable,
				errors.WithMessagef("ledger poll failed: %s", sessionID),
				errors.WithCause(err))
		}

		if s.Status != domain.StatusLobby && len(s.Questions) > 0 {
			p := domain.StartedPayload{
				Questions: s.Questions,
				StartedAt: s.StartedAt,
			}

			// Route the recovered event through normal delivery so every
			// other subscriber of this session observes it exactly once.
			if ev, err := NewEvent(sessionID, domain.EventGameStarted, p); err == nil {
				b.deliver(ctx, ev)
			}

			return &p, nil
		}

		select {
		case p := <-started:
			return &p, nil
		case <-ctx.Done():
			return nil, errors.New(errors.CodeDeadlineExceeded,
				errors.WithMessagef("session start not observed: %s", sessionID),
				errors.WithCause(ctx.Err()))
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > b.pollMax {
			backoff = b.pollMax
		}
	}
}

func (b *Bridge) getSession(ctx context.Context, sessionID string) (*ledger.Session, error) {
	r := retrier.New(retrier.ExponentialBackoff(b.ledgerRetries, ledgerRetryBase), ledger.RetryClassifier{})

	var s *ledger.Session
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		var err error
		s, err = b.ledger.GetSession(ctx, sessionID)
		return err
	})

	return s, err
}
