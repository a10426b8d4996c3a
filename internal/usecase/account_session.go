package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/domain"
)

const noActionsReport = "No actions"

// SessionConfig controls what happens around one account's engine run.
type SessionConfig struct {
	Engine EngineConfig
	Pair   domain.Pair

	// PauseMin..PauseMax is slept after a successful session, FailurePause after a failed one.
	PauseMin     time.Duration
	PauseMax     time.Duration
	FailurePause time.Duration
}

// AccountSession owns the lifetime of one account: it opens the trading client, runs the
// engine until shutdown and always releases the account afterwards.
type AccountSession struct {
	cfg      SessionConfig
	factory  domain.ClientFactory
	reports  domain.ReportSink
	notifier domain.Notifier
	profit   domain.Notifier
	stats    domain.StatsSink
	startup  *StartupBoard
	status   *StatusBoard
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) bool
}

type SessionDeps struct {
	Factory  domain.ClientFactory
	Reports  domain.ReportSink
	Notifier domain.Notifier
	Profit   domain.Notifier
	Stats    domain.StatsSink
	Startup  *StartupBoard
	Status   *StatusBoard
	Logger   *zap.Logger
}

func NewAccountSession(cfg SessionConfig, deps SessionDeps) *AccountSession {
	return &AccountSession{
		cfg:      cfg,
		factory:  deps.Factory,
		reports:  deps.Reports,
		notifier: deps.Notifier,
		profit:   deps.Profit,
		stats:    deps.Stats,
		startup:  deps.Startup,
		status:   deps.Status,
		logger:   deps.Logger,
		sleep:    sleepCtx,
	}
}

// Run processes one queue entry. Only errors wrapping domain.ErrInfrastructure are
// returned; every other failure ends up in the account's report.
func (s *AccountSession) Run(ctx context.Context, entry domain.QueueEntry) (err error) {
	acc := entry.Account
	runLogger := s.logger.With(zap.String("run_id", uuid.NewString()))
	logger := runLogger.With(zap.String("account", acc.Label))
	key := reportKey(acc)
	success := false

	var client domain.TradingClient
	defer func() {
		if client != nil {
			if cerr := client.Close(); cerr != nil {
				logger.Error("Failed to close sessions", zap.Error(cerr))
			}
		}
		if s.status != nil {
			s.status.Remove(acc.Label)
		}

		// Cleanup must finish even when shutdown is in progress.
		cleanupCtx := context.WithoutCancel(ctx)
		if rerr := s.reports.RemoveFromQueue(cleanupCtx, entry); rerr != nil {
			if err == nil {
				err = fmt.Errorf("remove %s from queue: %w", acc.Label, infra(rerr))
			}
			return
		}
		if err != nil {
			return
		}
		s.flushReport(cleanupCtx, logger, key, entry.Mode)
		s.pause(ctx, success)
	}()

	client, err = s.factory.Open(ctx, acc)
	if err != nil {
		if errors.Is(err, domain.ErrInfrastructure) {
			return err
		}
		logger.Error("Initialization error", zap.Error(err))
		if rerr := s.reports.AppendReport(context.WithoutCancel(ctx), key, err.Error(), false); rerr != nil {
			return fmt.Errorf("append report for %s: %w", acc.Label, infra(rerr))
		}
		client = nil
		return nil
	}

	engine := NewAveragingEngine(s.cfg.Engine, EngineDeps{
		Label:     acc.Label,
		Client:    client,
		Pair:      s.cfg.Pair,
		Ledger:    NewPositionLedger(),
		Notifier:  s.notifier,
		Profit:    s.profit,
		Reports:   s.reports,
		ReportKey: key,
		Stats:     s.stats,
		Startup:   s.startup,
		Status:    s.status,
		Logger:    runLogger,
	})
	engine.Run(ctx)
	success = true
	logger.Info("Strategy stopped")
	return nil
}

func (s *AccountSession) flushReport(ctx context.Context, logger *zap.Logger, key string, mode int) {
	text, err := s.reports.GetReports(ctx, key, mode)
	if err != nil {
		logger.Warn("Failed to read account reports", zap.Error(err))
		return
	}
	if text == "" || strings.Contains(text, noActionsReport) || s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, text); err != nil {
		logger.Debug("Failed to send account report", zap.Error(err))
	}
}

func (s *AccountSession) pause(ctx context.Context, success bool) {
	d := s.cfg.FailurePause
	if success {
		d = s.cfg.PauseMin
		if span := s.cfg.PauseMax - s.cfg.PauseMin; span > 0 {
			d += rand.N(span + 1)
		}
	}
	if d > 0 {
		s.sleep(ctx, d)
	}
}

func reportKey(acc domain.Account) string {
	if acc.EncodedKey != "" {
		return acc.EncodedKey
	}
	return acc.Address
}

// infra tags err as an infrastructure failure unless it already is one.
func infra(err error) error {
	if errors.Is(err, domain.ErrInfrastructure) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrInfrastructure, err)
}
