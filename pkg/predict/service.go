package predict

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/record"
	"github.com/HatiCode/gradecast/pkg/storage"
)

// Observer is notified of reload outcomes.
type Observer interface {
	Reloaded(info Info)
	ReloadFailed(err error)
}

// Result is a batch of predictions and the run that produced them.
type Result struct {
	Predictions []float64 `json:"predictions"`
	RunID       string    `json:"run_id"`
	Candidate   string    `json:"candidate"`
}

// Service keeps the most recently published pair loaded.
type Service struct {
	store    storage.Store
	opts     Options
	current  atomic.Pointer[ServingContext]
	logger   *slog.Logger
	observer Observer
}

// NewService creates a Service with nothing loaded yet.
func NewService(store storage.Store, opts Options, logger *slog.Logger, observer Observer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, opts: opts, logger: logger, observer: observer}
}

// Current returns the loaded context, or nil before the first successful load.
func (s *Service) Current() *ServingContext {
	return s.current.Load()
}

// Ready reports whether a context is loaded.
func (s *Service) Ready() bool {
	return s.current.Load() != nil
}

// Reload loads the store's current pair if it differs from the loaded one
// and swaps it in. On failure the previous context keeps serving.
func (s *Service) Reload(ctx context.Context) (bool, error) {
	set, found, err := s.store.Latest(ctx)
	if err != nil {
		return false, s.failed(errs.Wrap(errs.ErrArtifactLoad, "reload", err))
	}
	if !found {
		return false, s.failed(errs.New(errs.ErrArtifactLoad, "reload", "no artifacts have been published"))
	}
	if cur := s.current.Load(); cur != nil && cur.info.RunID == set.RunID {
		return false, nil
	}

	next, err := FromSet(set, s.opts)
	if err != nil {
		return false, s.failed(err)
	}

	prev := s.current.Swap(next)
	attrs := []any{"run_id", next.info.RunID, "candidate", next.info.Candidate, "eval_r2", next.info.EvalScore}
	if prev != nil {
		attrs = append(attrs, "previous_run_id", prev.info.RunID)
	}
	s.logger.Info("artifacts loaded", attrs...)
	if s.observer != nil {
		s.observer.Reloaded(next.info)
	}
	return true, nil
}

func (s *Service) failed(err error) error {
	if s.observer != nil {
		s.observer.ReloadFailed(err)
	}
	return err
}

// Run polls the store at interval and hot-swaps new runs. Blocks until ctx
// is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("starting artifact reload loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("artifact reload loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reload(ctx); err != nil {
				attrs := []any{"error", err}
				if cur := s.Current(); cur != nil {
					attrs = append(attrs, "serving_run_id", cur.info.RunID)
				}
				s.logger.Error("artifact reload failed", attrs...)
			}
		}
	}
}

// Predict scores records with the currently loaded context. The whole batch
// is served by one context even if a reload happens concurrently.
func (s *Service) Predict(records []record.Record) (Result, error) {
	sc := s.current.Load()
	if sc == nil {
		return Result{}, errs.New(errs.ErrArtifactLoad, "predict", "no model is loaded")
	}
	preds, err := sc.Predict(records)
	if err != nil {
		return Result{}, err
	}
	return Result{Predictions: preds, RunID: sc.info.RunID, Candidate: sc.info.Candidate}, nil
}
