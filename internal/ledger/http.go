package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
)

const defaultRequestTimeout = 15 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to the ledger gateway over JSON/HTTP.
type HTTPClient struct {
	base   string
	apiKey string
	hc     *http.Client
}

func NewHTTPClient(c Config) *HTTPClient {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &HTTPClient{
		base:   c.BaseURL,
		apiKey: c.APIKey,
		hc:     &http.Client{Timeout: timeout},
	}
}

type createSessionRequest struct {
	HostID              string `json:"host_id"`
	MaxPlayers          int    `json:"max_players"`
	QuestionDurationSec int    `json:"question_duration_sec"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (c *HTTPClient) CreateSession(ctx context.Context, hostID string, maxPlayers int, questionDuration time.Duration) (string, error) {
	var resp createSessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions", createSessionRequest{
		HostID:              hostID,
		MaxPlayers:          maxPlayers,
		QuestionDurationSec: int(questionDuration / time.Second),
	}, &resp)
	if err != nil {
		return "", err
	}

	return resp.SessionID, nil
}

func (c *HTTPClient) JoinSession(ctx context.Context, sessionID, participant string) error {
	path := fmt.Sprintf("/v1/sessions/%s/join", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, map[string]string{"participant": participant}, nil)
}

func (c *HTTPClient) StartSession(ctx context.Context, sessionID string, questions []domain.Question) error {
	path := fmt.Sprintf("/v1/sessions/%s/start", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"questions": questions}, nil)
}

func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	path := fmt.Sprintf("/v1/sessions/%s", url.PathEscape(sessionID))

	var s Session
	if err := c.do(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

type submitScoreRequest struct {
	Participant  string `json:"participant"`
	TotalScore   int64  `json:"total_score"`
	CorrectCount int    `json:"correct_count"`
}

type submitScoreResponse struct {
	Ref string `json:"ref"`
}

func (c *HTTPClient) SubmitFinalScore(ctx context.Context, sessionID, participant string, totalScore int64, correctCount int) (string, error) {
	path := fmt.Sprintf("/v1/sessions/%s/scores", url.PathEscape(sessionID))

	var resp submitScoreResponse
	err := c.do(ctx, http.MethodPost, path, submitScoreRequest{
		Participant:  participant,
		TotalScore:   totalScore,
		CorrectCount: correctCount,
	}, &resp)
	if err != nil {
		return "", err
	}

	return resp.Ref, nil
}

func (c *HTTPClient) EndSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/v1/sessions/%s/end", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) GetWinner(ctx context.Context, sessionID string) (*Winner, error) {
	path := fmt.Sprintf("/v1/sessions/%s/winner", url.PathEscape(sessionID))

	var w Winner
	if err := c.do(ctx, http.MethodGet, path, nil, &w); err != nil {
		return nil, err
	}

	return &w, nil
}

func (c *HTTPClient) GetPlayerScore(ctx context.Context, sessionID, participant string) (int64, error) {
	path := fmt.Sprintf("/v1/sessions/%s/players/%s/score", url.PathEscape(sessionID), url.PathEscape(participant))

	var resp struct {
		Score int64 `json:"score"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}

	return resp.Score, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ledger: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.New(errors.CodeDeadlineExceeded, errors.WithCause(err))
		}
		return errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("ledger: decode response: %w", err)
		}
		return nil
	}

	return c.statusError(resp)
}

// statusError maps a gateway status to the transient/rejected taxonomy.
// 5xx and 429 are retryable; everything else in the 4xx range is a business
// rejection carried verbatim in the message.
func (c *HTTPClient) statusError(resp *http.Response) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(resp.StatusCode)
	}

	code := errors.CodeInternal
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		code = errors.CodeUnavailable
	case resp.StatusCode == http.StatusNotFound:
		code = errors.CodeNotFound
	case resp.StatusCode == http.StatusConflict:
		code = errors.CodeFailedPrecondition
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		code = errors.CodeUnauthenticated
	case resp.StatusCode >= 400:
		code = errors.CodeInvalidArgument
	}

	return errors.New(code, errors.WithMessagef("ledger: %s", payload.Message))
}
