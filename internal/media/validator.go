package media

import (
	"context"
	"fmt"
	"slices"

	"github.com/appbase-cms/appbase/internal/shared"
)

// Limits supplies the administrator-configured upload policy.
type Limits interface {
	MaxUploadBytes(ctx context.Context) (int64, error)
	AllowedMIMETypes(ctx context.Context) ([]string, error)
}

// PolicyValidator enforces the configured size limit and MIME allowlist. An
// empty allowlist rejects every upload.
type PolicyValidator struct {
	Limits Limits
}

// Check implements Validator.
func (v PolicyValidator) Check(ctx context.Context, up Upload) error {
	if up.Size <= 0 {
		return shared.BadField("file", "empty upload")
	}
	limit, err := v.Limits.MaxUploadBytes(ctx)
	if err != nil {
		return err
	}
	if up.Size > limit {
		return shared.BadField("file", fmt.Sprintf("larger than %d MB", limit>>20))
	}
	allowed, err := v.Limits.AllowedMIMETypes(ctx)
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		return shared.BadField("file", "uploads are disabled")
	}
	if !slices.Contains(allowed, up.MIMEType) {
		return shared.BadField("file", fmt.Sprintf("type %s is not allowed", up.MIMEType))
	}
	return nil
}
