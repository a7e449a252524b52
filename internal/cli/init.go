// Package cli holds the terminal-side helpers shared by the autotag commands.
package cli

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/auth"
	"github.com/fpang/catalog-autotag/internal/catalog"
	"github.com/fpang/catalog-autotag/internal/metrics"
)

// InitCatalogClient creates a catalog client and validates its key. When the
// catalog rejects the key (or requires one) and stdin is a terminal, the user
// is prompted once for a key.
func InitCatalogClient(ctx context.Context, endpoint, apiKey string, m *metrics.Emitter) (*catalog.Client, error) {
	if apiKey == "" {
		key, err := auth.GetCatalogKey()
		if err != nil && !errors.Is(err, auth.ErrNoKey) {
			return nil, err
		}
		apiKey = key
	}

	client := catalog.NewClient(endpoint, apiKey)
	err := auth.ValidateCatalogKey(ctx, client, apiKey != "", m)
	if err == nil {
		log.Info().Str("catalog", endpoint).Msg("Catalog connection validated")
		return client, nil
	}
	if !auth.IsType(err, auth.ErrTypeNoKey) && !auth.IsType(err, auth.ErrTypeInvalidKey) {
		return nil, err
	}

	key, promptErr := PromptSecret(os.Stdin, "Catalog API key: ")
	if promptErr != nil || key == "" {
		return nil, err
	}
	client = catalog.NewClient(endpoint, key)
	if err := auth.ValidateCatalogKey(ctx, client, true, m); err != nil {
		return nil, err
	}
	log.Info().Str("catalog", endpoint).Msg("Catalog connection validated")
	return client, nil
}
