// Package storage publishes and retrieves the artifact pairs produced by
// training runs.
//
// A Store guarantees that readers only ever observe complete pairs: Latest
// returns either the previous run's preprocessor and model or the new run's,
// never a mix. Training runs serialise through Acquire.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned by Acquire while another training run holds the lock.
var ErrLocked = errors.New("training lock is held by another run")

// Set is the pair of encoded artifacts one training run publishes.
type Set struct {
	RunID        string
	Preprocessor []byte
	Model        []byte
	PublishedAt  time.Time
}

// Validate reports whether s can be published.
func (s Set) Validate() error {
	if err := validRunID(s.RunID); err != nil {
		return err
	}
	if len(s.Preprocessor) == 0 || len(s.Model) == 0 {
		return fmt.Errorf("run %s: both artifacts are required", s.RunID)
	}
	return nil
}

// Lock is a held training lock.
type Lock interface {
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Store holds the currently published artifact pair.
type Store interface {
	// Acquire takes the exclusive training lock for runID, or fails with
	// ErrLocked.
	Acquire(ctx context.Context, runID string) (Lock, error)

	// Publish atomically makes set the current pair.
	Publish(ctx context.Context, set Set) error

	// Latest returns the current pair. found is false when nothing was
	// published yet.
	Latest(ctx context.Context) (set Set, found bool, err error)
}

// validRunID restricts run ids to characters that are safe in file names and
// redis keys.
func validRunID(id string) error {
	if id == "" {
		return errors.New("run id required")
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid run id %q: only alphanumeric, hyphens, and underscores allowed", id)
		}
	}
	return nil
}
