package cli

import (
	"errors"

	"github.com/fpang/catalog-autotag/internal/auth"
	"github.com/fpang/catalog-autotag/internal/batch"
	"github.com/fpang/catalog-autotag/internal/failure"
)

// Hint turns a startup error into a one-line suggestion for the user, or ""
// when there is nothing useful to add.
func Hint(err error) string {
	var validationErr *auth.ValidationError
	if errors.As(err, &validationErr) {
		switch validationErr.Type {
		case auth.ErrTypeNoKey:
			return "The catalog requires an API key. Set " + auth.EnvCatalogKey + " or pass --catalog-key"
		case auth.ErrTypeInvalidKey:
			return "The catalog rejected the API key. Generate a new one in the catalog settings"
		case auth.ErrTypeNetworkError:
			return "The catalog is unreachable. Check --catalog-url and that the catalog is running"
		case auth.ErrTypeRateLimited:
			return "The catalog is throttling requests. Try again later or lower --concurrency"
		}
	}
	if errors.Is(err, batch.ErrPrecondition) {
		if fe := failure.As(err); fe != nil && fe.Code == failure.CodeConnectionRefused {
			return "Nothing is listening at the processing URL. Start the processing container or check --processor-url"
		}
		return "The processing container is not healthy. Check its logs and --processor-url"
	}
	if errors.Is(err, batch.ErrNoItems) {
		return "No items matched. Try --mode all or a different --type"
	}
	return ""
}
