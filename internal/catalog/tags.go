package catalog

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/tagging"
)

// FindTagByName looks a tag up by exact name (case-insensitive), falling back
// to aliases. It returns (nil, nil) when no tag matches.
func (c *Client) FindTagByName(ctx context.Context, name string) (*Tag, error) {
	var out struct {
		FindTags struct {
			Tags []Tag `json:"tags"`
		} `json:"findTags"`
	}
	if err := c.query(ctx, "findTags", queryTagByName, map[string]any{"name": name}, &out); err != nil {
		return nil, err
	}
	for i, t := range out.FindTags.Tags {
		if strings.EqualFold(t.Name, name) {
			return &out.FindTags.Tags[i], nil
		}
	}
	for i, t := range out.FindTags.Tags {
		for _, a := range t.Aliases {
			if strings.EqualFold(a, name) {
				return &out.FindTags.Tags[i], nil
			}
		}
	}
	return nil, nil
}

// CreateTag creates a tag. Callers wanting resolve-or-create semantics should
// look the name up first; the catalog rejects duplicate names.
func (c *Client) CreateTag(ctx context.Context, name string) (*Tag, error) {
	var out struct {
		TagCreate Tag `json:"tagCreate"`
	}
	vars := map[string]any{"input": map[string]any{"name": name}}
	if err := c.query(ctx, "tagCreate", mutationTagCreate, vars, &out); err != nil {
		return nil, err
	}
	log.Info().Str("tagId", out.TagCreate.ID).Str("name", out.TagCreate.Name).Msg("Tag created")
	return &out.TagCreate, nil
}

// AddTags attaches tagIDs to an item in one bulk write (mode ADD, existing
// tags are kept). Re-adding an attached tag is a no-op in the catalog.
func (c *Client) AddTags(ctx context.Context, kind tagging.Kind, itemID string, tagIDs []string) error {
	if len(tagIDs) == 0 {
		return nil
	}
	input := map[string]any{
		"ids":     []string{itemID},
		"tag_ids": map[string]any{"ids": tagIDs, "mode": "ADD"},
	}
	op, mutation := "bulkSceneUpdate", mutationBulkSceneTags
	if kind == tagging.Image {
		op, mutation = "bulkImageUpdate", mutationBulkImageTags
	}
	if err := c.query(ctx, op, mutation, map[string]any{"input": input}, nil); err != nil {
		return err
	}
	log.Debug().Str("itemId", itemID).Str("kind", kind.String()).Int("tags", len(tagIDs)).Msg("Tags attached")
	return nil
}

// IsDuplicate reports whether err is the catalog rejecting a create because
// the name is already taken.
func IsDuplicate(err error) bool {
	fe := failure.As(err)
	if fe == nil || fe.Source != failure.Catalog {
		return false
	}
	return isDuplicateMessage(strings.ToLower(fe.Message))
}

func isDuplicateMessage(msg string) bool {
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
