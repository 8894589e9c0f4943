package rungo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/rungo/backend"
)

var (
	// ErrNotFound is returned when a key resolves to no run, or a run
	// references a document the backend does not have.
	ErrNotFound = errors.New("not found")

	// ErrOutOfRange is returned when a positional lookup points outside the
	// catalog, e.g. At(-5) on a catalog of three runs.
	ErrOutOfRange = errors.New("index out of range")

	// ErrCatalogClosed is returned by operations on a closed catalog.
	ErrCatalogClosed = errors.New("catalog is closed")

	// ErrMisconfigured is returned when catalog options are inconsistent.
	ErrMisconfigured = errors.New("misconfigured")
)

// ErrAmbiguousKey indicates a partial uid that matched more than one run.
//
// Matches holds the full uids of the colliding runs, capped at the prefix
// search limit, so callers can present them for disambiguation.
type ErrAmbiguousKey struct {
	Key     string
	Matches []string
}

func (e *ErrAmbiguousKey) Error() string {
	return fmt.Sprintf("multiple runs match partial uid %q: %s", e.Key, strings.Join(e.Matches, ", "))
}

// ErrInvalidKey indicates a lookup key that is neither a uid, a uid prefix,
// nor an integer.
type ErrInvalidKey struct {
	Key   string
	cause error
}

func (e *ErrInvalidKey) Error() string {
	return fmt.Sprintf("invalid key %q", e.Key)
}

func (e *ErrInvalidKey) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, backend.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrCatalogClosed, err)
	}

	return err
}
