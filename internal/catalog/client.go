// Package catalog is a GraphQL client for the media catalog that autotag
// results are written into. It covers the handful of operations the batch
// pipeline needs: listing and fetching scenes and images, resolving and
// creating tags, attaching tags in bulk and creating scene markers.
//
// All failures are returned as *failure.Error with Source Catalog. Transport
// errors, 5xx responses and resolver failures reported in the errors[] array
// are retryable. Query validation, bad input, missing records and duplicate
// names are not: repeating the request would fail the same way.
package catalog

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
)

const (
	// DefaultURL is the GraphQL endpoint of a locally running catalog.
	DefaultURL = "http://localhost:9999/graphql"

	defaultTimeout = 30 * time.Second
)

// Client talks to the catalog's GraphQL endpoint. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewClient creates a catalog client. apiKey may be empty for catalogs
// without authentication.
func NewClient(endpoint, apiKey string) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   endpoint,
		apiKey:     apiKey,
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Endpoint returns the GraphQL URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

type gqlError struct {
	Message    string `json:"message"`
	Path       []any  `json:"path,omitempty"`
	Extensions struct {
		Code string `json:"code,omitempty"`
	} `json:"extensions"`
}

// terminalCodes are errors[].extensions.code values for requests the catalog
// rejects before any resolver runs, or rejects for their content.
var terminalCodes = map[string]bool{
	"GRAPHQL_VALIDATION_FAILED": true,
	"GRAPHQL_PARSE_FAILED":      true,
	"BAD_USER_INPUT":            true,
	"UNAUTHENTICATED":           true,
	"FORBIDDEN":                 true,
}

// terminalPhrases mark validation and lookup failures on servers that do not
// set an extension code.
var terminalPhrases = []string{
	"cannot query field",
	"unknown argument",
	"unknown type",
	"is not defined",
	"of required type",
	"syntax error",
	"not found",
}

// terminal reports whether retrying the request cannot change the answer.
func (e gqlError) terminal() bool {
	if terminalCodes[strings.ToUpper(e.Extensions.Code)] {
		return true
	}
	msg := strings.ToLower(e.Message)
	if isDuplicateMessage(msg) {
		return true
	}
	for _, p := range terminalPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Ping checks that the catalog answers queries.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Version struct {
			Version string `json:"version"`
		} `json:"version"`
	}
	if err := c.query(ctx, "version", queryVersion, nil, &out); err != nil {
		return err
	}
	log.Debug().Str("version", out.Version.Version).Msg("Catalog reachable")
	return nil
}

// query posts one GraphQL operation and decodes its data into out.
func (c *Client) query(ctx context.Context, op, q string, vars map[string]any, out any) error {
	data, err := json.Marshal(gqlRequest{Query: q, Variables: vars})
	if err != nil {
		return failure.NewValidation(fmt.Sprintf("encode %s: %v", op, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return failure.NewValidation(fmt.Sprintf("build %s request: %v", op, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		fe := failure.Classify(err)
		return failure.NewCatalog(fe.Code, op+": "+fe.Message, fe.Retryable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return failure.NewCatalog(failure.CodeNetwork, op+": read response", true, err)
	}
	log.Trace().Str("operation", op).Int("statusCode", httpResp.StatusCode).Dur("duration", time.Since(start)).Msg("Catalog response")

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		fe := failure.FromStatus(failure.Catalog, httpResp.StatusCode, truncate(string(body), 200))
		fe.Message = op + ": " + fe.Message
		return fe
	}

	var resp gqlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return failure.NewCatalog(failure.CodeDecode, fmt.Sprintf("%s: parse response: %v", op, err), false, err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		retryable := true
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
			if e.terminal() {
				retryable = false
			}
		}
		return failure.NewCatalog(failure.CodeGraphQL, op+": "+strings.Join(msgs, "; "), retryable, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return failure.NewCatalog(failure.CodeDecode, fmt.Sprintf("%s: decode data: %v", op, err), false, err)
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
