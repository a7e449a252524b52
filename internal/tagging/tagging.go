// Package tagging holds the data model shared by the batch autotagging pipeline:
// work items selected from the catalog, the markers and tags the processing
// container returns for them, and the per-item outcome.
package tagging

import (
	"fmt"
	"strings"

	"github.com/fpang/catalog-autotag/internal/failure"
)

// Kind is the catalog entity type of a work item.
type Kind int

const (
	Scene Kind = iota
	Image
)

func (k Kind) String() string {
	if k == Image {
		return "image"
	}
	return "scene"
}

// MarshalText renders the kind as "scene" or "image".
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts singular and plural forms ("scene", "scenes").
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses "scene(s)" or "image(s)".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scene", "scenes":
		return Scene, nil
	case "image", "images":
		return Image, nil
	default:
		return Scene, fmt.Errorf("unknown item type %q (want scenes or images)", s)
	}
}

// Mode selects which catalog items a batch is built from.
type Mode string

const (
	ModeUntagged Mode = "untagged"
	ModeRecent   Mode = "recent"
	ModeAll      Mode = "all"
)

// ParseMode validates a selection mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeUntagged, ModeRecent, ModeAll:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want untagged, recent or all)", s)
	}
}

// WorkItem is one catalog entry submitted for tagging. It is immutable once
// enqueued: construct it with NewWorkItem and treat Options as read-only.
type WorkItem struct {
	ID      string         `json:"id"`
	Kind    Kind           `json:"kind"`
	Options map[string]any `json:"options,omitempty"`
}

// NewWorkItem copies opts so later changes by the caller do not leak into the batch.
func NewWorkItem(id string, kind Kind, opts map[string]any) WorkItem {
	var cp map[string]any
	if len(opts) > 0 {
		cp = make(map[string]any, len(opts))
		for k, v := range opts {
			cp[k] = v
		}
	}
	return WorkItem{ID: id, Kind: kind, Options: cp}
}

// Validate checks the fields the pipeline relies on.
func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return failure.NewValidation("work item has an empty id")
	}
	if w.Kind != Scene && w.Kind != Image {
		return failure.NewValidation(fmt.Sprintf("work item %s has unknown kind %d", w.ID, int(w.Kind)))
	}
	return nil
}

// Marker is a timestamped annotation on a scene.
type Marker struct {
	Title    string   `json:"title"`
	Seconds  float64  `json:"seconds"`
	TagNames []string `json:"tags,omitempty"`
}

// Outcome is the terminal result of processing one work item.
type Outcome struct {
	ItemID    string         `json:"itemId"`
	Kind      Kind           `json:"kind"`
	Success   bool           `json:"success"`
	Tags      []string       `json:"tags,omitempty"`
	Markers   []Marker       `json:"markers,omitempty"`
	Error     *failure.Error `json:"error,omitempty"`
	ElapsedMs int64          `json:"elapsedMs"`
	Attempts  int            `json:"attempts"`
}

// NormalizeTags trims names, drops blanks and removes case-insensitive
// duplicates while keeping first-seen order.
func NormalizeTags(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
