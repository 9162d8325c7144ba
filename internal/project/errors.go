package project

import (
	"errors"
	"fmt"

	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
)

var (
	// ErrUnauthenticated means the request carried no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the identity is valid but lacks the permission.
	ErrForbidden = errors.New("permission denied")
	// ErrNotFound covers a missing project, asset, version or comment.
	ErrNotFound = errors.New("not found")
	// ErrLocked means the project is locked against content changes.
	ErrLocked = errors.New("project is locked")
	// ErrInvalidDocument is returned for documents that break structural
	// invariants (duplicate team entries, reused version numbers, ...).
	ErrInvalidDocument = models.ErrInvalidDocument
	// ErrVersionConflict is matched by every *ConflictError.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStoreUnreachable means the document store could not be reached.
	ErrStoreUnreachable = errors.New("store unreachable")
)

// ConflictError reports a failed compare-and-swap. The client must re-fetch,
// show the user the new base and let them redo the change; nothing is merged
// automatically.
type ConflictError struct {
	ProjectID     string `json:"projectId"`
	ServerVersion int64  `json:"serverVersion"`
	ClientVersion int64  `json:"clientVersion"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on project %s: server at %d, client at %d",
		e.ProjectID, e.ServerVersion, e.ClientVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// storeErr lifts repository failures into the domain taxonomy.
func storeErr(op string, err error) error {
	if errors.Is(err, repository.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnreachable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
