// Package processor is the client for the remote AI processing container.
//
// The container exposes one endpoint per item kind plus a few control
// endpoints:
//
//	POST /process/scene  {scene_id, options}
//	POST /process/image  {image_id, options}
//	GET  /health
//	GET  /status
//	POST /cancel
//
// Processing responses have the shape {success, result:{tags[], markers[]}, error}.
// Every call carries its own timeout; timeouts, transport failures and non-2xx
// responses are returned as *failure.Error so the retry policy can classify them.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

const (
	// DefaultBaseURL is where the container listens when run locally.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout bounds a single processing request. Scene analysis of a
	// long video is slow, so this is generous.
	DefaultTimeout = 5 * time.Minute

	// controlTimeout bounds health, status and cancel calls.
	controlTimeout = 10 * time.Second

	// maxErrorBody is how much of a non-2xx body is kept in error messages.
	maxErrorBody = 512
)

// Client issues single-item processing requests to the container.
// It is safe for concurrent use; all workers share one transport.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	timeout       time.Duration
	sceneDefaults SceneOptions
	imageDefaults ImageOptions
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request processing timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSceneDefaults sets the options merged under every scene request.
func WithSceneDefaults(o SceneOptions) Option {
	return func(c *Client) { c.sceneDefaults = o }
}

// WithImageDefaults sets the options merged under every image request.
func WithImageDefaults(o ImageOptions) Option {
	return func(c *Client) { c.imageDefaults = o }
}

// NewClient creates a processing client for the container at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient:    &http.Client{},
		baseURL:       strings.TrimRight(baseURL, "/"),
		timeout:       DefaultTimeout,
		sceneDefaults: DefaultSceneOptions(),
		imageDefaults: DefaultImageOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the container URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// --- Wire types ---

type processResponse struct {
	Success bool            `json:"success"`
	Result  *processResult  `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type processResult struct {
	Tags    []string     `json:"tags"`
	Markers []wireMarker `json:"markers"`
}

type wireMarker struct {
	Title   string   `json:"title"`
	Seconds float64  `json:"seconds"`
	Tags    []string `json:"tags"`
}

// --- Processing ---

// ProcessItem sends one work item to the container and converts the response
// into an Outcome. A response with success=false is returned as a terminal
// Processing error; callers must not retry it.
func (c *Client) ProcessItem(ctx context.Context, item tagging.WorkItem) (*tagging.Outcome, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	var (
		path    string
		payload any
	)
	switch item.Kind {
	case tagging.Scene:
		path = "/process/scene"
		payload = map[string]any{
			"scene_id": item.ID,
			"options":  c.sceneDefaults.merge(item.Options),
		}
	case tagging.Image:
		path = "/process/image"
		payload = map[string]any{
			"image_id": item.ID,
			"options":  c.imageDefaults.merge(item.Options),
		}
	}

	start := time.Now()
	var resp processResponse
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp, c.timeout); err != nil {
		return nil, err
	}

	if !resp.Success {
		msg := decodeRemoteError(resp.Error)
		log.Debug().Str("itemId", item.ID).Str("kind", item.Kind.String()).Str("error", msg).Msg("Container reported processing failure")
		return nil, failure.NewProcessing(msg)
	}

	out := &tagging.Outcome{
		ItemID:    item.ID,
		Kind:      item.Kind,
		Success:   true,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if resp.Result != nil {
		out.Tags = tagging.NormalizeTags(resp.Result.Tags)
		if item.Kind == tagging.Scene {
			out.Markers = convertMarkers(resp.Result.Markers)
		} else if len(resp.Result.Markers) > 0 {
			log.Debug().Str("itemId", item.ID).Int("markers", len(resp.Result.Markers)).Msg("Ignoring markers returned for image")
		}
	}

	log.Debug().
		Str("itemId", item.ID).
		Str("kind", item.Kind.String()).
		Int("tags", len(out.Tags)).
		Int("markers", len(out.Markers)).
		Int64("elapsedMs", out.ElapsedMs).
		Msg("Item processed")
	return out, nil
}

// convertMarkers drops negative offsets and gives untitled markers a title
// derived from their first tag.
func convertMarkers(in []wireMarker) []tagging.Marker {
	if len(in) == 0 {
		return nil
	}
	out := make([]tagging.Marker, 0, len(in))
	for _, m := range in {
		if m.Seconds < 0 {
			continue
		}
		tags := tagging.NormalizeTags(m.Tags)
		title := strings.TrimSpace(m.Title)
		if title == "" {
			if len(tags) == 0 {
				continue
			}
			title = "AI: " + tags[0]
		}
		out = append(out, tagging.Marker{Title: title, Seconds: m.Seconds, TagNames: tags})
	}
	return out
}

// decodeRemoteError accepts the error field as a string or as {message}.
func decodeRemoteError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "container reported failure without a message"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return truncate(string(raw), 200)
}

// --- Internal helpers ---

// doJSON performs one request with its own deadline and decodes a 2xx JSON
// body into out. All failures are returned as *failure.Error.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return failure.NewValidation(fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return failure.NewValidation(fmt.Sprintf("build request: %v", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	log.Trace().Str("method", method).Str("path", path).Msg("Container request")
	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		// The parent context being cancelled is not a timeout of this call.
		if ctx.Err() == nil && reqCtx.Err() == context.DeadlineExceeded {
			return failure.NewTimeout(fmt.Sprintf("%s %s exceeded %s", method, path, timeout), err)
		}
		fe := failure.Classify(err)
		log.Debug().Str("path", path).Dur("duration", duration).Str("code", fe.Code).Err(err).Msg("Container request failed")
		return fe
	}
	defer httpResp.Body.Close()

	log.Debug().Str("path", path).Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Container response")

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return failure.Classify(fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return failure.FromStatus(failure.RemoteService, httpResp.StatusCode, truncate(string(respBody), maxErrorBody))
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		fe := failure.FromStatus(failure.RemoteService, httpResp.StatusCode, "")
		fe.Code = failure.CodeDecode
		fe.Message = fmt.Sprintf("parse response: %v (body: %s)", err, truncate(string(respBody), 200))
		fe.Retryable = false
		return fe
	}
	return nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
