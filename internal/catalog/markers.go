package catalog

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/tagging"
)

// MarkerInput describes a scene marker to create.
type MarkerInput struct {
	SceneID      string
	Title        string
	Seconds      float64
	PrimaryTagID string
	TagIDs       []string
}

// SceneMarkers returns the markers already present on a scene.
func (c *Client) SceneMarkers(ctx context.Context, sceneID string) ([]SceneMarker, error) {
	item, err := c.FindItem(ctx, tagging.Scene, sceneID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	return item.Markers, nil
}

// CreateSceneMarker creates a marker. The catalog does not deduplicate
// markers, so callers check SceneMarkers first.
func (c *Client) CreateSceneMarker(ctx context.Context, in MarkerInput) (*SceneMarker, error) {
	input := map[string]any{
		"scene_id":       in.SceneID,
		"title":          in.Title,
		"seconds":        in.Seconds,
		"primary_tag_id": in.PrimaryTagID,
	}
	if len(in.TagIDs) > 0 {
		input["tag_ids"] = in.TagIDs
	}
	var out struct {
		SceneMarkerCreate SceneMarker `json:"sceneMarkerCreate"`
	}
	if err := c.query(ctx, "sceneMarkerCreate", mutationSceneMarkerCreate, map[string]any{"input": input}, &out); err != nil {
		return nil, err
	}
	log.Debug().
		Str("sceneId", in.SceneID).
		Str("markerId", out.SceneMarkerCreate.ID).
		Str("title", in.Title).
		Float64("seconds", in.Seconds).
		Msg("Scene marker created")
	return &out.SceneMarkerCreate, nil
}
