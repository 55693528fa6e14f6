// Package syncer drives the client side of board synchronization: it watches
// local board files, queues outbound batches, pushes them to the server, and
// folds pulled batches back into the local boards.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openboards/boardsync/internal/board"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is worth another delivery attempt.
// Auth failures are terminal: retrying a bad token cannot succeed.
func (e *HTTPError) Retryable() bool {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return false
	}
	if e.StatusCode == http.StatusBadRequest {
		return false
	}
	return true
}

// RemoteClient is the transport to the authoritative server. Implementations
// perform exactly one attempt per call; retry policy lives in the
// orchestrator, which counts attempts against the queue entry.
type RemoteClient interface {
	Push(ctx context.Context, boardID string, ops board.Ops, clientRevision int64) (int64, error)
	Pull(ctx context.Context, boardID string, sinceRevision int64) (board.Ops, int64, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPClient) Push(ctx context.Context, boardID string, ops board.Ops, clientRevision int64) (int64, error) {
	body := struct {
		ClientRevision int64     `json:"clientRevision"`
		Ops            board.Ops `json:"ops"`
	}{
		ClientRevision: clientRevision,
		Ops:            ops,
	}
	var out struct {
		ServerRevision int64 `json:"serverRevision"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/boards/"+url.PathEscape(boardID)+"/ops", body, &out)
	if err != nil {
		return 0, err
	}
	return out.ServerRevision, nil
}

func (c *HTTPClient) Pull(ctx context.Context, boardID string, sinceRevision int64) (board.Ops, int64, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(sinceRevision, 10))
	var out struct {
		Ops            board.Ops `json:"ops"`
		ServerRevision int64     `json:"serverRevision"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/boards/"+url.PathEscape(boardID)+"/ops?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, 0, err
	}
	return out.Ops, out.ServerRevision, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
