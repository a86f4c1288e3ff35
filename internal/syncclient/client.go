package syncclient

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

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
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

type BatchRequest struct {
	ClientID          string                    `json:"clientId"`
	Operations        []fieldsync.SyncOperation `json:"operations"`
	LastSyncTimestamp *time.Time                `json:"lastSyncTimestamp,omitempty"`
}

type BatchResponse struct {
	Success bool `json:"success"`
	fieldsync.BatchResult
}

type ChangesResponse struct {
	ClientID     string             `json:"clientId"`
	Since        time.Time          `json:"since"`
	ChangesCount int                `json:"changesCount"`
	Changes      []fieldsync.Change `json:"changes"`
	Truncated    []string           `json:"truncated,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

type ChangesPage struct {
	ClientID string             `json:"clientId"`
	Table    string             `json:"tableName"`
	Since    time.Time          `json:"since"`
	Changes  []fieldsync.Change `json:"changes"`
	HasMore  bool               `json:"hasMore"`
}

type ResolveResponse struct {
	Success  bool                         `json:"success"`
	Resolved []fieldsync.ResolvedConflict `json:"resolved"`
}

type PingResponse struct {
	Pong          bool      `json:"pong"`
	ClientID      string    `json:"clientId"`
	ServerTime    time.Time `json:"serverTime"`
	SyncAvailable bool      `json:"syncAvailable"`
}

type StreamEvent struct {
	Type          string    `json:"type"`
	Tables        []string  `json:"tables,omitempty"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
}

// RemoteClient is the sync server surface the agent depends on.
type RemoteClient interface {
	SubmitBatch(ctx context.Context, req BatchRequest) (BatchResponse, error)
	Changes(ctx context.Context, clientID string, since *time.Time) (ChangesResponse, error)
	ChangesPage(ctx context.Context, clientID, table string, since, before time.Time) (ChangesPage, error)
	ResolveConflicts(ctx context.Context, clientID string, refs []fieldsync.RecordRef) (ResolveResponse, error)
	Ping(ctx context.Context, clientID string) (PingResponse, error)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ RemoteClient = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// SubmitBatch is safe to retry: the server treats a replayed operation id as
// already applied.
func (c *HTTPClient) SubmitBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	var out BatchResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/batch", req, &out)
	return out, err
}

func (c *HTTPClient) Changes(ctx context.Context, clientID string, since *time.Time) (ChangesResponse, error) {
	q := url.Values{}
	if since != nil && !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	path := "/v1/sync/changes/" + url.PathEscape(clientID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ChangesResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) ChangesPage(ctx context.Context, clientID, table string, since, before time.Time) (ChangesPage, error) {
	q := url.Values{}
	q.Set("table", table)
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var out ChangesPage
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync/changes/"+url.PathEscape(clientID)+"?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) ResolveConflicts(ctx context.Context, clientID string, refs []fieldsync.RecordRef) (ResolveResponse, error) {
	body := map[string]any{
		"clientId":   clientID,
		"conflicts":  refs,
		"resolution": map[string]string{"strategy": string(fieldsync.PolicyServerWins)},
	}
	var out ResolveResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/resolve-conflicts", body, &out)
	return out, err
}

func (c *HTTPClient) Ping(ctx context.Context, clientID string) (PingResponse, error) {
	var body any
	if clientID != "" {
		body = map[string]string{"clientId": clientID}
	}
	var out PingResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/ping", body, &out)
	return out, err
}

// Subscribe holds a change stream open and calls onEvent for every event until
// ctx is cancelled or the connection drops.
func (c *HTTPClient) Subscribe(ctx context.Context, clientID string, onEvent func(StreamEvent)) error {
	streamURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/sync/stream/" + url.PathEscape(clientID)
	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial change stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var event StreamEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		onEvent(event)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", ulid.Make().String())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
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

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
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
}

// 501 is permanent; every other 5xx and 429 are worth another attempt.
func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599 && code != http.StatusNotImplemented
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
