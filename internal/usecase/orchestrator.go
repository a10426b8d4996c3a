package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vitos/spot_averaging/internal/domain"
)

// SessionRunner runs one queue entry to completion.
type SessionRunner interface {
	Run(ctx context.Context, entry domain.QueueEntry) error
}

// Orchestrator runs every pending account concurrently under a counting gate, never
// letting two sessions of the same identity overlap.
type Orchestrator struct {
	runner SessionRunner
	queue  domain.ReportSink
	limit  int
	logger *zap.Logger

	startup *StartupBoard
}

func NewOrchestrator(runner SessionRunner, queue domain.ReportSink, limit int, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		queue:  queue,
		limit:  limit,
		logger: logger,
	}
}

// SetStartup makes every batch tell the board how many accounts start at once.
func (o *Orchestrator) SetStartup(b *StartupBoard) { o.startup = b }

// RunPending loads the queue and runs it as one batch.
func (o *Orchestrator) RunPending(ctx context.Context) error {
	entries, err := o.queue.GetAllPending(ctx)
	if errors.Is(err, domain.ErrQueueEmpty) {
		o.logger.Info("No more accounts left")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending accounts: %w", infra(err))
	}
	return o.Run(ctx, entries)
}

// Width is the number of sessions allowed inside their body at once.
func Width(limit int, entries []domain.QueueEntry) int {
	distinct := len(identities(entries))
	if limit <= 0 || limit > distinct {
		return distinct
	}
	return limit
}

// Run returns once every session has finished. A session error cancels the batch only
// when it is an infrastructure failure.
func (o *Orchestrator) Run(ctx context.Context, entries []domain.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := identities(entries)
	width := Width(o.limit, entries)
	if o.limit <= 0 {
		o.logger.Info("Auto-detected accounts",
			zap.Int("accounts", len(ids)), zap.Int("modules", len(entries)), zap.Int("threads", width))
	} else if width < o.limit {
		o.logger.Info("Threads limited by accounts", zap.Int("threads", width), zap.Int("accounts", len(ids)))
	} else {
		o.logger.Info("Using configured threads", zap.Int("threads", width))
	}

	if o.startup != nil {
		o.startup.Expect(width)
	}

	gates := make(map[string]*semaphore.Weighted, len(ids))
	for id := range ids {
		gates[id] = semaphore.NewWeighted(1)
	}
	slots := semaphore.NewWeighted(int64(width))

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		gate := gates[entry.Account.Identity()]
		g.Go(func() error {
			// identity gate first, then the counting gate
			if err := gate.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer gate.Release(1)
			if err := slots.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer slots.Release(1)

			mtxActiveSessions.Inc()
			defer mtxActiveSessions.Dec()

			err := o.runner.Run(gctx, entry)
			if err == nil {
				return nil
			}
			if errors.Is(err, domain.ErrInfrastructure) {
				return err
			}
			o.logger.Error("Account session failed", zap.String("account", entry.Account.Label), zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.logger.Info("All accounts done")
	return nil
}

func identities(entries []domain.QueueEntry) map[string]struct{} {
	ids := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		ids[e.Account.Identity()] = struct{}{}
	}
	return ids
}
