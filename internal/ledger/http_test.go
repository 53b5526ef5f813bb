package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/ledger"
)

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := map[string]struct {
		status        int
		wantCode      errors.Code
		wantTransient bool
		wantRejected  bool
	}{
		"500 is transient": {
			status:        http.StatusInternalServerError,
			wantCode:      errors.CodeUnavailable,
			wantTransient: true,
		},
		"503 is transient": {
			status:        http.StatusServiceUnavailable,
			wantCode:      errors.CodeUnavailable,
			wantTransient: true,
		},
		"429 is transient": {
			status:        http.StatusTooManyRequests,
			wantCode:      errors.CodeUnavailable,
			wantTransient: true,
		},
		"404 is a rejection": {
			status:       http.StatusNotFound,
			wantCode:     errors.CodeNotFound,
			wantRejected: true,
		},
		"409 is a rejection": {
			status:       http.StatusConflict,
			wantCode:     errors.CodeFailedPrecondition,
			wantRejected: true,
		},
		"401 is a rejection": {
			status:       http.StatusUnauthorized,
			wantCode:     errors.CodeUnauthenticated,
			wantRejected: true,
		},
		"422 is a rejection": {
			status:       http.StatusUnprocessableEntity,
			wantCode:     errors.CodeInvalidArgument,
			wantRejected: true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
			}))
			defer srv.Close()

			c := ledger.NewHTTPClient(ledger.Config{BaseURL: srv.URL})

			_, err := c.GetSession(context.Background(), "sess-1")
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.wantCode))
			assert.Equal(t, tt.wantTransient, ledger.IsTransient(err))
			assert.Equal(t, tt.wantRejected, ledger.IsRejected(err))
		})
	}
}

func TestHTTPClient_SubmitFinalScore(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions/sess-1/scores", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Participant  string `json:"participant"`
			TotalScore   int64  `json:"total_score"`
			CorrectCount int    `json:"correct_count"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.Participant)
		assert.Equal(t, int64(300), req.TotalScore)
		assert.Equal(t, 2, req.CorrectCount)

		_ = json.NewEncoder(w).Encode(map[string]string{"ref": "settle-42"})
	}))
	defer srv.Close()

	c := ledger.NewHTTPClient(ledger.Config{BaseURL: srv.URL, APIKey: "secret"})

	ref, err := c.SubmitFinalScore(context.Background(), "sess-1", "alice", 300, 2)
	require.NoError(t, err)
	assert.Equal(t, "settle-42", ref)
}

func TestHTTPClient_GetSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/sess-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "sess-1",
			"status": "active",
			"questions": []map[string]any{
				{"id": "q1", "time_limit_sec": 30},
			},
		})
	}))
	defer srv.Close()

	c := ledger.NewHTTPClient(ledger.Config{BaseURL: srv.URL})

	s, err := c.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	require.Len(t, s.Questions, 1)
	assert.Equal(t, 30*time.Second, s.Questions[0].TimeLimit())
}

func TestHTTPClient_ConnectionFailureIsTransient(t *testing.T) {
	t.Parallel()

	// Nothing listens on this address.
	c := ledger.NewHTTPClient(ledger.Config{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	})

	_, err := c.GetSession(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, ledger.IsTransient(err))
}
