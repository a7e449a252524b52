// Package applier writes a successful processing outcome back to the catalog:
// it resolves (or creates) every tag name, attaches the tags to the item in
// one bulk write and creates the scene markers that are not already present.
//
// Every catalog call goes through the retry policy on its own, so a transient
// failure on one marker does not redo the tag writes. Applying the same
// outcome twice leaves the catalog unchanged: tag attachment uses ADD mode and
// markers are matched against the scene's existing markers first.
package applier

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/retry"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// MarkerTolerance is how close (in seconds) an existing marker with the same
// title must be for a new one to be considered a duplicate.
const MarkerTolerance = 0.5

// Catalog is the subset of the catalog client the applier writes through.
type Catalog interface {
	FindTagByName(ctx context.Context, name string) (*catalog.Tag, error)
	CreateTag(ctx context.Context, name string) (*catalog.Tag, error)
	AddTags(ctx context.Context, kind tagging.Kind, itemID string, tagIDs []string) error
	SceneMarkers(ctx context.Context, sceneID string) ([]catalog.SceneMarker, error)
	CreateSceneMarker(ctx context.Context, in catalog.MarkerInput) (*catalog.SceneMarker, error)
}

var _ Catalog = (*catalog.Client)(nil)

// Step names a sub-step of an apply.
type Step string

const (
	StepTag    Step = "tag"
	StepAttach Step = "attach"
	StepMarker Step = "marker"
)

// StepError records one failed sub-step. Target is the tag name or marker
// title the step was working on.
type StepError struct {
	Step   Step           `json:"step"`
	Target string         `json:"target"`
	Err    *failure.Error `json:"error"`
}

func (e StepError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Step, e.Target, e.Err)
}

// Result summarises what an apply wrote.
type Result struct {
	ItemID         string      `json:"itemId"`
	TagIDs         []string    `json:"tagIds"`
	TagsApplied    int         `json:"tagsApplied"`
	MarkersCreated int         `json:"markersCreated"`
	MarkersSkipped int         `json:"markersSkipped"`
	Unresolved     []string    `json:"unresolved,omitempty"`
	StepErrors     []StepError `json:"stepErrors,omitempty"`
}

// Partial reports whether any sub-step failed.
func (r *Result) Partial() bool {
	return len(r.StepErrors) > 0
}

// Applier applies outcomes to the catalog. It is safe for concurrent use; the
// tag cache is shared by every worker of a batch.
type Applier struct {
	catalog Catalog
	policy  retry.Policy

	mu    sync.RWMutex
	tags  map[string]catalog.Tag
	group singleflight.Group
}

// New returns an Applier writing through c, retrying each catalog call with policy.
func New(c Catalog, policy retry.Policy) *Applier {
	return &Applier{
		catalog: c,
		policy:  policy,
		tags:    make(map[string]catalog.Tag),
	}
}

// Apply writes outcome to the catalog. The returned error is non-nil only when
// the item's tags could not be written at all; marker failures and individual
// tag resolution failures are reported in Result.StepErrors.
func (a *Applier) Apply(ctx context.Context, outcome *tagging.Outcome) (*Result, error) {
	if outcome == nil || !outcome.Success {
		return nil, failure.NewValidation("only successful outcomes can be applied")
	}
	res := &Result{ItemID: outcome.ItemID}

	resolved := make(map[string]string, len(outcome.Tags))
	seen := make(map[string]bool, len(outcome.Tags))
	for _, name := range outcome.Tags {
		tag, err := a.resolveOrCreate(ctx, name)
		if err != nil {
			res.StepErrors = append(res.StepErrors, StepError{Step: StepTag, Target: name, Err: failure.Classify(err)})
			continue
		}
		resolved[strings.ToLower(name)] = tag.ID
		if !seen[tag.ID] {
			seen[tag.ID] = true
			res.TagIDs = append(res.TagIDs, tag.ID)
		}
	}

	var tagErr error
	switch {
	case len(res.TagIDs) > 0:
		_, err := a.policy.Do(ctx, "attach tags", func(ctx context.Context) error {
			return a.catalog.AddTags(ctx, outcome.Kind, outcome.ItemID, res.TagIDs)
		})
		if err != nil {
			fe := failure.Classify(err)
			res.StepErrors = append(res.StepErrors, StepError{Step: StepAttach, Target: outcome.ItemID, Err: fe})
			tagErr = fe
		} else {
			res.TagsApplied = len(res.TagIDs)
		}
	case len(outcome.Tags) > 0:
		tagErr = res.StepErrors[len(res.StepErrors)-1].Err
	}

	if outcome.Kind == tagging.Scene && len(outcome.Markers) > 0 {
		a.applyMarkers(ctx, outcome, resolved, res)
	}

	log.Debug().
		Str("itemId", outcome.ItemID).
		Int("tagsApplied", res.TagsApplied).
		Int("markersCreated", res.MarkersCreated).
		Int("markersSkipped", res.MarkersSkipped).
		Int("stepErrors", len(res.StepErrors)).
		Msg("Outcome applied")
	return res, tagErr
}

func (a *Applier) applyMarkers(ctx context.Context, outcome *tagging.Outcome, resolved map[string]string, res *Result) {
	existing, _, err := retry.Value(ctx, a.policy, "list markers", func(ctx context.Context) ([]catalog.SceneMarker, error) {
		return a.catalog.SceneMarkers(ctx, outcome.ItemID)
	})
	if err != nil {
		// Without the current markers creation could duplicate them.
		fe := failure.Classify(err)
		for _, m := range outcome.Markers {
			res.StepErrors = append(res.StepErrors, StepError{Step: StepMarker, Target: m.Title, Err: fe})
		}
		return
	}

	for _, m := range outcome.Markers {
		tagIDs, lookupErr := a.markerTags(ctx, m, resolved, res)
		if lookupErr != nil {
			// Creating the marker with a partial tag set would make it look
			// applied on the next run.
			res.StepErrors = append(res.StepErrors, StepError{Step: StepMarker, Target: m.Title, Err: lookupErr})
			continue
		}
		if len(tagIDs) == 0 {
			res.StepErrors = append(res.StepErrors, StepError{
				Step:   StepMarker,
				Target: m.Title,
				Err: failure.NewCatalog(failure.CodeUnresolvedTag,
					fmt.Sprintf("no tag of marker %q exists in the catalog", m.Title), false, nil),
			})
			continue
		}
		if hasMarker(existing, m) {
			res.MarkersSkipped++
			continue
		}

		in := catalog.MarkerInput{
			SceneID:      outcome.ItemID,
			Title:        m.Title,
			Seconds:      m.Seconds,
			PrimaryTagID: tagIDs[0],
			TagIDs:       tagIDs,
		}
		created, _, err := retry.Value(ctx, a.policy, "create marker", func(ctx context.Context) (*catalog.SceneMarker, error) {
			return a.catalog.CreateSceneMarker(ctx, in)
		})
		if err != nil {
			res.StepErrors = append(res.StepErrors, StepError{Step: StepMarker, Target: m.Title, Err: failure.Classify(err)})
			continue
		}
		res.MarkersCreated++
		if created != nil {
			existing = append(existing, *created)
		} else {
			existing = append(existing, catalog.SceneMarker{Title: m.Title, Seconds: m.Seconds})
		}
	}
}

// markerTags resolves a marker's tag names. Names already resolved for the
// outcome are reused; others are looked up but never created. Names the
// catalog does not know are recorded in res.Unresolved; a failed lookup is
// returned as the marker's error.
func (a *Applier) markerTags(ctx context.Context, m tagging.Marker, resolved map[string]string, res *Result) ([]string, *failure.Error) {
	var ids []string
	seen := make(map[string]bool)
	for _, name := range m.TagNames {
		id, ok := resolved[strings.ToLower(name)]
		if !ok {
			tag, err := a.lookup(ctx, name)
			if err != nil {
				return nil, failure.Classify(err)
			}
			if tag == nil {
				res.Unresolved = append(res.Unresolved, name)
				continue
			}
			id = tag.ID
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func hasMarker(existing []catalog.SceneMarker, m tagging.Marker) bool {
	for _, e := range existing {
		if strings.EqualFold(e.Title, m.Title) && math.Abs(e.Seconds-m.Seconds) <= MarkerTolerance {
			return true
		}
	}
	return false
}

func (a *Applier) cached(name string) (catalog.Tag, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tags[strings.ToLower(name)]
	return t, ok
}

func (a *Applier) remember(name string, t catalog.Tag) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tags[strings.ToLower(name)] = t
}

// lookup finds a tag without creating it.
func (a *Applier) lookup(ctx context.Context, name string) (*catalog.Tag, error) {
	if t, ok := a.cached(name); ok {
		return &t, nil
	}
	tag, _, err := retry.Value(ctx, a.policy, "find tag", func(ctx context.Context) (*catalog.Tag, error) {
		return a.catalog.FindTagByName(ctx, name)
	})
	if err != nil || tag == nil {
		return nil, err
	}
	a.remember(name, *tag)
	return tag, nil
}

// resolveOrCreate returns the catalog tag for name, creating it if needed.
// Concurrent calls for the same name share one lookup. The shared lookup is
// not tied to any one caller's context; a caller whose context ends stops
// waiting for it.
func (a *Applier) resolveOrCreate(ctx context.Context, name string) (catalog.Tag, error) {
	if t, ok := a.cached(name); ok {
		return t, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := a.group.DoChan(strings.ToLower(name), func() (any, error) {
		if t, ok := a.cached(name); ok {
			return t, nil
		}
		tag, _, err := retry.Value(shared, a.policy, "resolve tag", func(ctx context.Context) (*catalog.Tag, error) {
			t, err := a.catalog.FindTagByName(ctx, name)
			if err != nil || t != nil {
				return t, err
			}
			t, err = a.catalog.CreateTag(ctx, name)
			if err == nil {
				return t, nil
			}
			if catalog.IsDuplicate(err) {
				// Lost a create race with another writer.
				if again, findErr := a.catalog.FindTagByName(ctx, name); findErr == nil && again != nil {
					return again, nil
				}
			}
			return nil, err
		})
		if err != nil {
			return catalog.Tag{}, err
		}
		if tag == nil {
			return catalog.Tag{}, failure.NewCatalog(failure.CodeUnresolvedTag, "tag create returned no tag for "+name, false, nil)
		}
		a.remember(name, *tag)
		return *tag, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return catalog.Tag{}, r.Err
		}
		return r.Val.(catalog.Tag), nil
	case <-ctx.Done():
		return catalog.Tag{}, ctx.Err()
	}
}

// CachedTags returns the number of tag names resolved so far.
func (a *Applier) CachedTags() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tags)
}
