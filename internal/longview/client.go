// Package longview talks to a Longview-style statistics API.
package longview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Longview fetch endpoint.
const DefaultBaseURL = "https://longview.linode.com/fetch"

// API actions.
const (
	ActionGetValues      = "getValues"
	ActionGetLatestValue = "getLatestValue"
)

const maxResponseBytes = 32 << 20

// fieldNames maps logical field names to the keys understood by the API.
var fieldNames = map[string]string{
	"cpu":               "CPU.*",
	"disk":              "Disk.*",
	"load":              "Load",
	"memory":            "Memory.*",
	"network":           "Network.*",
	"sysinfo":           "SysInfo.*",
	"uptime":            "Uptime",
	"packages":          "Packages",
	"processes":         "Processes.*",
	"listeningServices": "Ports.listening",
	"activeConnections": "Ports.active",
	"lastUpdated":       "LastUpdated",
}

// Options narrows a request to a set of fields and an optional time window.
type Options struct {
	Fields []string
	Start  int64
	End    int64
}

// Notification is a message attached to an API response.
type Notification struct {
	Code     int    `json:"CODE"`
	Text     string `json:"TEXT"`
	Severity int    `json:"SEVERITY"`
}

// Response is one element of the API response array.
type Response struct {
	Action        string          `json:"ACTION"`
	Data          json.RawMessage `json:"DATA"`
	Notifications []Notification  `json:"NOTIFICATIONS"`
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	Rate    rate.Limit
	Burst   int
	Logger  *slog.Logger
}

// Client performs requests against the stats API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient constructs a Client. Zero options select defaults.
func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := opts.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Get performs a single API action and returns the first response element.
// Every failure is reported as APIErrors.
func (c *Client) Get(ctx context.Context, apiKey, action string, opts Options) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, NewAPIErrors(fmt.Sprintf("rate limiter: %v", err))
	}

	form := url.Values{}
	form.Set("api_key", apiKey)
	form.Set("api_action", action)
	if len(opts.Fields) > 0 {
		keys := make([]string, 0, len(opts.Fields))
		for _, field := range opts.Fields {
			if name, ok := fieldNames[field]; ok {
				keys = append(keys, name)
				continue
			}
			keys = append(keys, field)
		}
		encoded, err := json.Marshal(keys)
		if err != nil {
			return Response{}, NewAPIErrors(fmt.Sprintf("encode keys: %v", err))
		}
		form.Set("keys", string(encoded))
	}
	if opts.Start > 0 {
		form.Set("start", strconv.FormatInt(opts.Start, 10))
	}
	if opts.End > 0 {
		form.Set("end", strconv.FormatInt(opts.End, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, NewAPIErrors(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, NewAPIErrors(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, NewAPIErrors(fmt.Sprintf("read response: %v", err))
	}
	c.logger.Debug("api request complete",
		"action", action,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"bytes", len(body),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return Response{}, NewAPIErrors(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	var payload []Response
	if err := json.Unmarshal(body, &payload); err != nil {
		return Response{}, NewAPIErrors(fmt.Sprintf("decode response: %v", err))
	}
	if len(payload) == 0 {
		return Response{}, NewAPIErrors("empty response")
	}

	first := payload[0]
	if len(first.Notifications) > 0 {
		errs := make(APIErrors, 0, len(first.Notifications))
		for _, n := range first.Notifications {
			errs = append(errs, APIError{Reason: n.Text})
		}
		return Response{}, errs
	}

	return first, nil
}

// Processes fetches the per-process statistics of a client.
func (c *Client) Processes(ctx context.Context, apiKey string) (Processes, error) {
	resp, err := c.Get(ctx, apiKey, ActionGetValues, Options{Fields: []string{"processes"}})
	if err != nil {
		return Processes{}, err
	}
	var out Processes
	if isEmptyData(resp.Data) {
		return out, nil
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return Processes{}, NewAPIErrors(fmt.Sprintf("decode processes: %v", err))
	}
	return out, nil
}

// LastUpdated returns the timestamp of the most recent data the client reported.
func (c *Client) LastUpdated(ctx context.Context, apiKey string) (int64, error) {
	resp, err := c.Get(ctx, apiKey, ActionGetLatestValue, Options{Fields: []string{"lastUpdated"}})
	if err != nil {
		return 0, err
	}
	var data struct {
		LastUpdated json.Number `json:"LastUpdated"`
	}
	if isEmptyData(resp.Data) {
		return 0, nil
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return 0, NewAPIErrors(fmt.Sprintf("decode last updated: %v", err))
	}
	if data.LastUpdated == "" {
		return 0, nil
	}
	value, err := data.LastUpdated.Float64()
	if err != nil {
		return 0, NewAPIErrors(fmt.Sprintf("parse last updated: %v", err))
	}
	return int64(value), nil
}

// isEmptyData reports payloads the API uses for "nothing recorded": absent,
// null or an empty array.
func isEmptyData(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "[]"
}
