package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// Tag is a catalog tag.
type Tag struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// File is a media file backing a scene or image.
type File struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration,omitempty"`
}

// SceneMarker is an existing marker on a scene.
type SceneMarker struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Seconds    float64 `json:"seconds"`
	PrimaryTag Tag     `json:"primary_tag"`
	Tags       []Tag   `json:"tags"`
}

// Item is a scene or image with the fields the pipeline reads.
type Item struct {
	ID        string        `json:"id"`
	Kind      tagging.Kind  `json:"kind"`
	Title     string        `json:"title"`
	CreatedAt string        `json:"created_at,omitempty"`
	Tags      []Tag         `json:"tags"`
	Files     []File        `json:"files,omitempty"`
	Markers   []SceneMarker `json:"scene_markers,omitempty"`
}

// Filter selects catalog items for a batch.
type Filter struct {
	Mode tagging.Mode
	Kind tagging.Kind
	// Since bounds ModeRecent; zero means the last 7 days.
	Since   time.Time
	Page    int
	PerPage int
}

// DefaultRecentWindow is how far back ModeRecent looks when Since is unset.
const DefaultRecentWindow = 7 * 24 * time.Hour

const defaultPerPage = 100

// Page is one page of ListItems results.
type Page struct {
	Count int
	Items []Item
}

// FindItem fetches one scene or image with its tags, files and markers.
// It returns (nil, nil) if the item does not exist.
func (c *Client) FindItem(ctx context.Context, kind tagging.Kind, id string) (*Item, error) {
	vars := map[string]any{"id": id}
	switch kind {
	case tagging.Image:
		var out struct {
			FindImage *struct {
				Item
				VisualFiles []File `json:"visual_files"`
			} `json:"findImage"`
		}
		if err := c.query(ctx, "findImage", queryImageByID, vars, &out); err != nil {
			return nil, err
		}
		if out.FindImage == nil {
			return nil, nil
		}
		item := out.FindImage.Item
		item.Kind = tagging.Image
		item.Files = out.FindImage.VisualFiles
		return &item, nil
	default:
		var out struct {
			FindScene *Item `json:"findScene"`
		}
		if err := c.query(ctx, "findScene", querySceneByID, vars, &out); err != nil {
			return nil, err
		}
		if out.FindScene == nil {
			return nil, nil
		}
		out.FindScene.Kind = tagging.Scene
		return out.FindScene, nil
	}
}

// ListItems returns one page of items matching f.
func (c *Client) ListItems(ctx context.Context, f Filter) (*Page, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = defaultPerPage
	}

	findFilter := map[string]any{
		"page":      f.Page,
		"per_page":  f.PerPage,
		"sort":      "created_at",
		"direction": "DESC",
	}
	itemFilter := map[string]any{}
	switch f.Mode {
	case tagging.ModeUntagged:
		itemFilter["is_missing"] = "tags"
	case tagging.ModeRecent:
		since := f.Since
		if since.IsZero() {
			since = time.Now().Add(-DefaultRecentWindow)
		}
		itemFilter["created_at"] = map[string]any{
			"value":    since.UTC().Format(time.RFC3339),
			"modifier": "GREATER_THAN",
		}
	case tagging.ModeAll, "":
	default:
		return nil, failure.NewValidation(fmt.Sprintf("unknown selection mode %q", f.Mode))
	}

	page := &Page{}
	if f.Kind == tagging.Image {
		var out struct {
			FindImages struct {
				Count  int    `json:"count"`
				Images []Item `json:"images"`
			} `json:"findImages"`
		}
		vars := map[string]any{"filter": findFilter, "image_filter": itemFilter}
		if err := c.query(ctx, "findImages", queryImages, vars, &out); err != nil {
			return nil, err
		}
		page.Count = out.FindImages.Count
		page.Items = out.FindImages.Images
	} else {
		var out struct {
			FindScenes struct {
				Count  int    `json:"count"`
				Scenes []Item `json:"scenes"`
			} `json:"findScenes"`
		}
		vars := map[string]any{"filter": findFilter, "scene_filter": itemFilter}
		if err := c.query(ctx, "findScenes", queryScenes, vars, &out); err != nil {
			return nil, err
		}
		page.Count = out.FindScenes.Count
		page.Items = out.FindScenes.Scenes
	}
	for i := range page.Items {
		page.Items[i].Kind = f.Kind
	}
	return page, nil
}

// ListAllItems pages through every item matching f, stopping after limit
// items when limit > 0.
func (c *Client) ListAllItems(ctx context.Context, f Filter, limit int) ([]Item, error) {
	var all []Item
	f.Page = 1
	for {
		page, err := c.ListItems(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list %s page %d: %w", f.Kind, f.Page, err)
		}
		all = append(all, page.Items...)
		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}
		if len(page.Items) == 0 || len(all) >= page.Count {
			break
		}
		f.Page++
	}
	log.Debug().Str("mode", string(f.Mode)).Str("kind", f.Kind.String()).Int("count", len(all)).Msg("Catalog items listed")
	return all, nil
}

// WorkItems converts catalog items into work items carrying opts.
func WorkItems(items []Item, opts map[string]any) []tagging.WorkItem {
	out := make([]tagging.WorkItem, 0, len(items))
	for _, it := range items {
		out = append(out, tagging.NewWorkItem(it.ID, it.Kind, opts))
	}
	return out
}
