// Package jobutil provides shared helpers for run lifecycle operations.
//
// SetRunError unifies the error-writing pattern used by the web server and
// the Lambda handler when a run fails before or outside the dispatcher: log
// the error, then persist a failed status.
package jobutil

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/store"
)

// ErrorWriter persists a run error to the backing store.
type ErrorWriter func(ctx context.Context, runID, errMsg string) error

// SetRunError logs the error and delegates persistence to the provided writer.
func SetRunError(ctx context.Context, runID, msg string, write ErrorWriter) error {
	log.Error().
		Str("runId", runID).
		Str("error", msg).
		Msg("Run failed")
	return write(ctx, runID, msg)
}

// StoreWriter returns an ErrorWriter that marks the run failed in s,
// creating the record if it does not exist yet.
func StoreWriter(s store.RunStore) ErrorWriter {
	return func(ctx context.Context, runID, errMsg string) error {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			run = &store.Run{ID: runID}
		}
		run.Status = store.StatusFailed
		run.Error = errMsg
		run.FinishedAt = time.Now().Unix()
		return s.PutRun(ctx, run)
	}
}
