// Package controlplane is the typed client to the networking sidecar, with
// bounded per-call timeouts and no retry logic of its own — every failure,
// whatever its cause, is coalesced into a boolean/none result so the
// orchestrator (internal/speculative) is the sole owner of retry and backoff
// policy. A circuit breaker sits in front of every call so a dead sidecar
// degrades to "no drafts available" quickly rather than paying the full
// timeout on each broadcast.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trentpierce/shard/internal/circuitbreaker"
	"github.com/trentpierce/shard/internal/shardtype"
)

// Client is the sidecar-facing HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	timeout    time.Duration
}

// New builds a Client against the sidecar at baseURL. timeout is the soft
// per-call default (2s if zero); individual calls may override it with their
// own context deadline.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		breaker:    circuitbreaker.NewSidecar(),
		timeout:    timeout,
	}
}

type broadcastWorkRequest struct {
	RequestID     string `json:"request_id"`
	PromptContext string `json:"prompt_context"`
	MinTokens     int    `json:"min_tokens"`
}

// BroadcastWork announces a unit of work to the sidecar. Returns false on any
// failure (timeout, I/O, non-2xx) — never an error.
func (c *Client) BroadcastWork(ctx context.Context, requestID, promptContext string, minTokens int) bool {
	body, err := json.Marshal(broadcastWorkRequest{
		RequestID:     requestID,
		PromptContext: promptContext,
		MinTokens:     minTokens,
	})
	if err != nil {
		return false
	}
	_, err = c.doJSON(ctx, http.MethodPost, "/broadcast-work", body, c.timeout)
	return err == nil
}

type popResultResponse struct {
	Result *struct {
		WorkID      string   `json:"work_id"`
		ScoutID     string   `json:"scout_id"`
		DraftTokens []string `json:"draft_tokens"`
		DraftText   string   `json:"draft_text"`
		Error       string   `json:"error"`
	} `json:"result"`
}

// TryPopResult polls for a draft with a bounded timeout. found is true only
// when a draft was actually returned. timedOut distinguishes the case where
// the poll itself failed to complete within timeout from the case where the
// sidecar answered promptly with "nothing yet" — the speculative loop treats
// these two differently: a timeout permanently disables the remote path for
// the request, an empty answer just means try again next iteration.
func (c *Client) TryPopResult(ctx context.Context, timeout time.Duration) (draft shardtype.Draft, found bool, timedOut bool) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	respBody, err := c.doJSON(ctx, http.MethodGet, "/pop-result", nil, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return shardtype.Draft{}, false, true
		}
		return shardtype.Draft{}, false, false
	}

	var resp popResultResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.Result == nil {
		return shardtype.Draft{}, false, false
	}

	pieces := make([][]byte, 0, len(resp.Result.DraftTokens))
	for _, p := range resp.Result.DraftTokens {
		pieces = append(pieces, []byte(p))
	}
	return shardtype.Draft{
		WorkID:  resp.Result.WorkID,
		ScoutID: resp.Result.ScoutID,
		Pieces:  pieces,
		RawText: resp.Result.DraftText,
		Error:   resp.Result.Error,
	}, true, false
}

type submitDraftRequest struct {
	WorkID    string `json:"work_id"`
	ScoutID   string `json:"scout_id"`
	DraftText string `json:"draft_text"`
	Timestamp int64  `json:"timestamp"`
}

// SubmitDraftResult forwards a Scout's draft to the sidecar (used by the
// Scout-facing side of the collaborator, not by the speculative loop itself,
// but kept here since it shares the client's transport and timeout policy).
func (c *Client) SubmitDraftResult(ctx context.Context, workID, scoutID, draftText string) bool {
	body, err := json.Marshal(submitDraftRequest{
		WorkID:    workID,
		ScoutID:   scoutID,
		DraftText: draftText,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return false
	}
	_, err = c.doJSON(ctx, http.MethodPost, "/submit-draft", body, c.timeout)
	return err == nil
}

// Health is the sidecar's health response. A nil return means unreachable.
type Health struct {
	ConnectedPeers int `json:"connected_peers"`
}

// Health polls the sidecar's health endpoint. Returns nil on any failure.
func (c *Client) Health(ctx context.Context) *Health {
	respBody, err := c.doJSON(ctx, http.MethodGet, "/health", nil, c.timeout)
	if err != nil {
		return nil
	}
	var h Health
	if err := json.Unmarshal(respBody, &h); err != nil {
		return nil
	}
	return &h
}

// doJSON performs one HTTP round trip through the circuit breaker, bounding
// it with timeout via the request context. Any non-2xx status is a soft
// failure.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	result, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("controlplane: %s %s returned status %d", method, path, resp.StatusCode)
		}

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		return nil, err
	}
	out, ok := result.([]byte)
	if !ok {
		return nil, errors.New("controlplane: unexpected result type")
	}
	return out, nil
}
