// Package settlement commits aggregated scores to the ledger exactly once per
// (session, participant) from this side, no matter how many times the caller
// retries.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/ledger"
)

const (
	defaultRetries   = 4
	defaultRetryBase = 250 * time.Millisecond
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quizchain_settlements_total",
	Help: "Settlement submissions by outcome.",
}, []string{"outcome"})

// BatchStore archives an accepted ScoreBatch. The ledger, not the archive, is
// the source of truth; archive failures never unwind a settlement.
type BatchStore interface {
	SaveBatch(ctx context.Context, batch domain.ScoreBatch) error
}

type Config struct {
	Ledger ledger.Client
	Store  BatchStore // optional

	// Retries bounds backoff attempts for transient ledger failures.
	Retries   int
	RetryBase time.Duration
}

type Result struct {
	Batch domain.ScoreBatch
	// AlreadySettled marks a repeat invocation that no-oped against the
	// earlier accepted submission.
	AlreadySettled bool
}

type Client struct {
	ledger    ledger.Client
	store     BatchStore
	retries   int
	retryBase time.Duration

	mu        sync.Mutex
	submitted map[string]domain.ScoreBatch
}

func New(c Config) *Client {
	retries := c.Retries
	if retries == 0 {
		retries = defaultRetries
	}
	retryBase := c.RetryBase
	if retryBase == 0 {
		retryBase = defaultRetryBase
	}

	return &Client{
		ledger:    c.Ledger,
		store:     c.Store,
		retries:   retries,
		retryBase: retryBase,
		submitted: make(map[string]domain.ScoreBatch),
	}
}

// Submit commits the batch to the ledger. Transient failures are retried with
// bounded backoff; a repeat invocation for an already accepted batch no-ops;
// ledger rejections surface verbatim.
func (c *Client) Submit(ctx context.Context, batch domain.ScoreBatch) (*Result, error) {
	key := submitKey(batch.SessionID, batch.Participant)

	c.mu.Lock()
	if accepted, ok := c.submitted[key]; ok {
		c.mu.Unlock()
		submissionsTotal.WithLabelValues("duplicate").Inc()
		return &Result{Batch: accepted, AlreadySettled: true}, nil
	}
	c.mu.Unlock()

	r := retrier.New(retrier.ExponentialBackoff(c.retries, c.retryBase), ledger.RetryClassifier{})

	var ref string
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		var err error
		ref, err = c.ledger.SubmitFinalScore(ctx, batch.SessionID, batch.Participant, batch.TotalScore, batch.CorrectCount)
		return err
	})
	if err != nil {
		outcome := "rejected"
		if ledger.IsTransient(err) {
			outcome = "transient_exhausted"
		}
		submissionsTotal.WithLabelValues(outcome).Inc()
		return nil, fmt.Errorf("settlement: submit %s/%s: %w", batch.SessionID, batch.Participant, err)
	}

	batch.SettlementRef = ref
	batch.SubmittedAt = time.Now()

	c.mu.Lock()
	c.submitted[key] = batch
	c.mu.Unlock()

	submissionsTotal.WithLabelValues("accepted").Inc()
	slog.InfoContext(ctx, "settlement: score accepted",
		"session", batch.SessionID,
		"participant", batch.Participant,
		"total_score", batch.TotalScore,
		"ref", ref,
	)

	if c.store != nil {
		if err := c.store.SaveBatch(ctx, batch); err != nil {
			slog.ErrorContext(ctx, "settlement: archive batch failed",
				"session", batch.SessionID,
				"participant", batch.Participant,
				"error", err,
			)
		}
	}

	return &Result{Batch: batch}, nil
}

func submitKey(sessionID, participant string) string {
	return sessionID + "|" + participant
}
