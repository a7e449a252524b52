package processor

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string   `json:"status"`
	Version string   `json:"version,omitempty"`
	Models  []string `json:"models,omitempty"`
	GPU     bool     `json:"gpu,omitempty"`
}

// QueueStatus is the body of GET /status.
type QueueStatus struct {
	Busy        bool   `json:"busy"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
	CurrentItem string `json:"current_item,omitempty"`
}

// Health checks that the container is up and reports itself healthy.
// It is the precondition gate run before a batch starts.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var hs HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &hs, controlTimeout); err != nil {
		return nil, fmt.Errorf("container health check: %w", err)
	}
	switch strings.ToLower(hs.Status) {
	case "", "ok", "healthy", "ready":
	default:
		return &hs, fmt.Errorf("container reports status %q", hs.Status)
	}
	log.Debug().Str("status", hs.Status).Str("version", hs.Version).Strs("models", hs.Models).Msg("Container healthy")
	return &hs, nil
}

// Ping adapts Health to the func(ctx) error shape used by the dispatcher.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Status reports what the container is working on.
func (c *Client) Status(ctx context.Context) (*QueueStatus, error) {
	var qs QueueStatus
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &qs, controlTimeout); err != nil {
		return nil, fmt.Errorf("container status: %w", err)
	}
	return &qs, nil
}

// Cancel asks the container to abandon its queued work. Items already being
// analysed finish on the container side.
func (c *Client) Cancel(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/cancel", struct{}{}, nil, controlTimeout); err != nil {
		return fmt.Errorf("container cancel: %w", err)
	}
	log.Info().Str("baseUrl", c.baseURL).Msg("Container cancel requested")
	return nil
}
