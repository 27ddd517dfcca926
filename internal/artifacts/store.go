// Package artifacts passes build output between stages and to deploy actions.
package artifacts

import (
	"context"
	"fmt"
	"regexp"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// Store publishes and fetches named artifacts. Artifact identity is opaque to callers.
type Store interface {
	Publish(ctx context.Context, name, srcPath string) error
	Fetch(ctx context.Context, name, destPath string) error
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName rejects names that could escape the store or collide with internals.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return foundationerrors.ValidationError(fmt.Sprintf("invalid artifact name %q", name)).
			WithContext("artifact", name).
			Build()
	}
	return nil
}
