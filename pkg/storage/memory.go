package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore implements Store in process memory. It is safe for concurrent
// use and is meant for tests and for embedding the pipeline and the
// predictor in one process.
type MemoryStore struct {
	mu      sync.RWMutex
	current *Set
	holder  string
	history []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

type memoryLock struct {
	store *MemoryStore
	runID string
	once  sync.Once
}

func (l *memoryLock) Release(context.Context) error {
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		if l.store.holder == l.runID {
			l.store.holder = ""
		}
	})
	return nil
}

// Acquire takes the training lock.
func (s *MemoryStore) Acquire(ctx context.Context, runID string) (Lock, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holder != "" {
		return nil, ErrLocked
	}
	s.holder = runID
	return &memoryLock{store: s, runID: runID}, nil
}

// Publish replaces the current pair.
func (s *MemoryStore) Publish(ctx context.Context, set Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := Set{
		RunID:        set.RunID,
		Preprocessor: slices.Clone(set.Preprocessor),
		Model:        slices.Clone(set.Model),
		PublishedAt:  set.PublishedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &stored
	s.history = append(s.history, set.RunID)
	return nil
}

// Latest returns the current pair.
func (s *MemoryStore) Latest(ctx context.Context) (Set, bool, error) {
	if err := ctx.Err(); err != nil {
		return Set{}, false, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Set{}, false, nil
	}
	return *s.current, true, nil
}

// Runs returns the ids of every published run, oldest first.
func (s *MemoryStore) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}
