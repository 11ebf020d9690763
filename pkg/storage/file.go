package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// File names inside a FileStore directory.
const (
	CurrentFile      = "CURRENT"
	LockFile         = ".train.lock"
	RunsDir          = "runs"
	PreprocessorFile = "preprocessor.gcst"
	ModelFile        = "model.gcst"
)

// FileStore implements Store on a local or shared filesystem:
//
//	<dir>/runs/<run-id>/preprocessor.gcst
//	<dir>/runs/<run-id>/model.gcst
//	<dir>/CURRENT          run id of the published pair
//	<dir>/.train.lock      present while a run trains
//
// A run directory is assembled under a temporary name and renamed into place,
// then CURRENT is replaced by rename. Readers resolve CURRENT first, so they
// see either the old pair or the new one.
type FileStore struct {
	dir string
	// staleLock is the age after which a lock file left by a crashed run is
	// broken. Zero never breaks locks.
	staleLock time.Duration
	// keep bounds the number of run directories retained. Zero keeps all.
	keep   int
	logger *slog.Logger
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	StaleLock time.Duration
	Keep      int
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string, opts FileStoreOptions, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("artifact directory cannot be empty")
	}
	if opts.Keep < 0 {
		return nil, errors.New("retained run count must be >= 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, RunsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FileStore{dir: dir, staleLock: opts.StaleLock, keep: opts.Keep, logger: logger}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string {
	return s.dir
}

type fileLock struct {
	path  string
	runID string
	once  sync.Once
	err   error
}

func (l *fileLock) Release(context.Context) error {
	l.once.Do(func() {
		data, err := os.ReadFile(l.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				l.err = fmt.Errorf("read lock file: %w", err)
			}
			return
		}
		if strings.TrimSpace(string(data)) != l.runID {
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = fmt.Errorf("remove lock file: %w", err)
		}
	})
	return l.err
}

// Acquire creates the lock file exclusively. A lock older than the stale
// threshold is broken once.
func (s *FileStore) Acquire(ctx context.Context, runID string) (Lock, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, LockFile)

	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := io.WriteString(f, runID+"\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return &fileLock{path: path, runID: runID}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if attempt > 0 || !s.breakStaleLock(path) {
			break
		}
	}
	return nil, ErrLocked
}

func (s *FileStore) breakStaleLock(path string) bool {
	if s.staleLock <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) < s.staleLock {
		return false
	}

	// Breaking is serialised through a second lock file so that a contender
	// acting on an old observation cannot remove a lock taken after the break.
	breaker := path + ".break"
	b, err := os.OpenFile(breaker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if bi, serr := os.Stat(breaker); serr == nil && time.Since(bi.ModTime()) >= s.staleLock {
			_ = os.Remove(breaker)
		}
		return false
	}
	_ = b.Close()
	defer os.Remove(breaker)

	current, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil || !os.SameFile(info, current) {
		return false
	}

	holder, _ := os.ReadFile(path)
	s.logger.Warn("breaking stale training lock",
		"holder", strings.TrimSpace(string(holder)),
		"age", time.Since(info.ModTime()).Round(time.Second),
	)
	return os.Remove(path) == nil
}

// Publish writes the run directory and swaps CURRENT to it.
func (s *FileStore) Publish(ctx context.Context, set Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runs := filepath.Join(s.dir, RunsDir)
	final := filepath.Join(runs, set.RunID)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("run %s is already published", set.RunID)
	}

	tmp, err := os.MkdirTemp(runs, "."+set.RunID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	for name, data := range map[string][]byte{
		PreprocessorFile: set.Preprocessor,
		ModelFile:        set.Model,
	} {
		err := WriteFileAtomic(filepath.Join(tmp, name), 0o644, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return fmt.Errorf("chmod run directory: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("move run directory into place: %w", err)
	}
	committed = true

	err = WriteFileAtomic(filepath.Join(s.dir, CurrentFile), 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, set.RunID+"\n")
		return err
	})
	if err != nil {
		return fmt.Errorf("swap current run: %w", err)
	}

	s.prune(set.RunID)
	return nil
}

// Latest reads the pair CURRENT points at.
func (s *FileStore) Latest(ctx context.Context) (Set, bool, error) {
	if err := ctx.Err(); err != nil {
		return Set{}, false, err
	}

	pointer, err := os.ReadFile(filepath.Join(s.dir, CurrentFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Set{}, false, nil
		}
		return Set{}, false, fmt.Errorf("read current run: %w", err)
	}
	runID := strings.TrimSpace(string(pointer))
	if err := validRunID(runID); err != nil {
		return Set{}, false, fmt.Errorf("current run pointer: %w", err)
	}

	dir := filepath.Join(s.dir, RunsDir, runID)
	pre, err := os.ReadFile(filepath.Join(dir, PreprocessorFile))
	if err != nil {
		return Set{}, false, fmt.Errorf("read run %s: %w", runID, err)
	}
	model, err := os.ReadFile(filepath.Join(dir, ModelFile))
	if err != nil {
		return Set{}, false, fmt.Errorf("read run %s: %w", runID, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Set{}, false, fmt.Errorf("stat run %s: %w", runID, err)
	}

	return Set{RunID: runID, Preprocessor: pre, Model: model, PublishedAt: info.ModTime()}, true, nil
}

// Runs lists published run ids, oldest first.
func (s *FileStore) Runs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, RunsDir))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	type run struct {
		id  string
		mod time.Time
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{e.Name(), info.ModTime()})
	}
	slices.SortStableFunc(runs, func(a, b run) int {
		if c := a.mod.Compare(b.mod); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.id
	}
	return ids, nil
}

// prune removes the oldest run directories beyond the retention count. The
// current run is never removed.
func (s *FileStore) prune(current string) {
	if s.keep <= 0 {
		return
	}
	ids, err := s.Runs()
	if err != nil {
		s.logger.Warn("listing runs for pruning failed", "error", err)
		return
	}
	for len(ids) > s.keep {
		id := ids[0]
		ids = ids[1:]
		if id == current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, RunsDir, id)); err != nil {
			s.logger.Warn("pruning run failed", "run_id", id, "error", err)
			continue
		}
		s.logger.Debug("pruned run", "run_id", id)
	}
}
