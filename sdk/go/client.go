package threadlinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Threadline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Artifact struct {
	Style string `json:"style"`
	Path  string `json:"path"`
}

// Run is a generation run as reported by the ledger.
type Run struct {
	ID         string     `json:"id"`
	Event      string     `json:"event"`
	Context    string     `json:"context"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	Target     int        `json:"target_messages"`
	Produced   int        `json:"produced"`
	Persisted  int        `json:"persisted"`
	Committed  bool       `json:"committed"`
	Artifacts  []Artifact `json:"artifacts"`
	Error      string     `json:"error"`
	StartedAt  string     `json:"started_at"`
	FinishedAt string     `json:"finished_at"`
}

// Event represents a ledger entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

type Transcript struct {
	RunID     string `json:"run_id"`
	Style     string `json:"style"`
	Committed bool   `json:"committed"`
	Content   string `json:"content"`
}

type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RunQuery filters ListRuns. Zero values are omitted.
type RunQuery struct {
	Status string
	Mode   string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", nil, nil)
}

func (c *Client) ListRuns(ctx context.Context, q RunQuery) (PaginatedRuns, error) {
	params := url.Values{}
	setParam(params, "status", q.Status)
	setParam(params, "mode", q.Mode)
	setParam(params, "cursor", q.Cursor)
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	var resp PaginatedRuns
	err := c.do(ctx, "runs", params, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunEvents returns a page of a run's events, newest first.
func (c *Client) RunEvents(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	setParam(params, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, "runs/"+url.PathEscape(runID)+"/events", params, &resp)
	return resp, err
}

// Transcript fetches a rendered transcript; style is "log" or "bubble".
func (c *Client) Transcript(ctx context.Context, runID, style string) (Transcript, error) {
	params := url.Values{}
	setParam(params, "style", style)
	var resp Transcript
	err := c.do(ctx, "runs/"+url.PathEscape(runID)+"/transcript", params, &resp)
	return resp, err
}

func setParam(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
