// Package notify publishes batch lifecycle events to EventBridge so other
// services can react to finished runs without polling the run store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/store"
)

// Event source and detail type of every published event.
const (
	Source             = "catalog-autotag"
	DetailTypeFinished = "BatchFinished"
)

// EventsAPI is the subset of the EventBridge client the publisher uses.
type EventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// BatchFinished is the detail of a DetailTypeFinished event.
type BatchFinished struct {
	RunID        string         `json:"runId"`
	Status       string         `json:"status"`
	Total        int            `json:"total"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	DryRun       bool           `json:"dryRun,omitempty"`
	SourceCounts map[string]int `json:"sourceCounts,omitempty"`
	ReportKey    string         `json:"reportKey,omitempty"`
	DurationMs   int64          `json:"durationMs"`
}

// FromRun builds the event detail for a finished run.
func FromRun(run *store.Run) BatchFinished {
	var dur int64
	if run.FinishedAt > 0 {
		dur = (time.Duration(run.FinishedAt-run.StartedAt) * time.Second).Milliseconds()
	}
	return BatchFinished{
		RunID:        run.ID,
		Status:       run.Status,
		Total:        run.Total,
		Completed:    run.Completed,
		Failed:       run.Failed,
		Skipped:      run.Skipped,
		DryRun:       run.DryRun,
		SourceCounts: run.SourceCounts,
		ReportKey:    run.ReportKey,
		DurationMs:   dur,
	}
}

// Publisher sends events to one event bus. A nil *Publisher is valid and
// publishes nothing.
type Publisher struct {
	client EventsAPI
	bus    string
}

// NewPublisher returns a publisher for bus. An empty bus means the account's
// default bus.
func NewPublisher(client EventsAPI, bus string) *Publisher {
	return &Publisher{client: client, bus: bus}
}

// BatchFinished publishes the completion event for run.
func (p *Publisher) BatchFinished(ctx context.Context, run *store.Run) error {
	if p == nil || p.client == nil {
		return nil
	}
	detail, err := json.Marshal(FromRun(run))
	if err != nil {
		return fmt.Errorf("marshal BatchFinished: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(DetailTypeFinished),
		Detail:     aws.String(string(detail)),
		Resources:  []string{run.ID},
	}
	if p.bus != "" {
		entry.EventBusName = aws.String(p.bus)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("runId", run.ID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("runId", run.ID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().Str("runId", run.ID).Str("status", run.Status).Msg("BatchFinished emitted to EventBridge")
	return nil
}
