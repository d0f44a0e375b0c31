package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTAdapter speaks plain JSON-over-HTTP against a resource-per-table
// remote: POST /{table}, PUT /{table}/{id}, DELETE /{table}/{id},
// GET /{table}?since=...
type RESTAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTAdapter builds an adapter for the given base URL. timeout bounds a
// single request; per-operation deadlines still come from the caller's
// context.
func NewRESTAdapter(baseURL, apiKey string, timeout time.Duration) *RESTAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTAdapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *RESTAdapter) Create(ctx context.Context, table, id string, payload json.RawMessage) (Outcome, error) {
	return a.send(ctx, http.MethodPost, fmt.Sprintf("%s/%s", a.baseURL, url.PathEscape(table)), payload)
}

func (a *RESTAdapter) Update(ctx context.Context, table, id string, payload json.RawMessage) (Outcome, error) {
	return a.send(ctx, http.MethodPut, a.recordURL(table, id), payload)
}

func (a *RESTAdapter) Delete(ctx context.Context, table, id string, payload json.RawMessage) (Outcome, error) {
	return a.send(ctx, http.MethodDelete, a.recordURL(table, id), nil)
}

// FetchUpdates pulls records changed since the given time.
func (a *RESTAdapter) FetchUpdates(ctx context.Context, table string, since time.Time) ([]RemoteRecord, error) {
	u := fmt.Sprintf("%s/%s?since=%s", a.baseURL, url.PathEscape(table), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch updates: unexpected status %d", resp.StatusCode)
	}

	var records []RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return records, nil
}

func (a *RESTAdapter) recordURL(table, id string) string {
	return fmt.Sprintf("%s/%s/%s", a.baseURL, url.PathEscape(table), url.PathEscape(id))
}

func (a *RESTAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

func (a *RESTAdapter) send(ctx context.Context, method, u string, payload json.RawMessage) (Outcome, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("build %s request: %w", method, err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		// The call never completed; the worker retries it later.
		return Outcome{}, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("read response body: %w", err)
	}

	return classify(resp.StatusCode, raw), nil
}

// conflictBody is the shape a conflicting remote reports: its current copy of
// the record, or deleted=true when the record is gone.
type conflictBody struct {
	Remote  json.RawMessage `json:"remote"`
	Deleted bool            `json:"deleted"`
	Message string          `json:"message"`
}

type successBody struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
}

func classify(status int, raw []byte) Outcome {
	switch {
	case status >= 200 && status < 300:
		var body successBody
		_ = json.Unmarshal(raw, &body)
		serverID := body.ServerID
		if serverID == "" {
			serverID = body.ID
		}
		return Outcome{Result: ResultSuccess, ServerID: serverID}

	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		var body conflictBody
		_ = json.Unmarshal(raw, &body)
		return Outcome{
			Result:        ResultConflict,
			RemotePayload: body.Remote,
			RemoteExists:  !body.Deleted && body.Remote != nil,
			Message:       body.Message,
		}

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Outcome{Result: ResultTransient, Message: fmt.Sprintf("remote returned %d", status)}

	default:
		return Outcome{Result: ResultNonRetryable, Message: fmt.Sprintf("remote rejected with %d: %s", status, truncate(raw, 200))}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
