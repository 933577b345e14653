package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/donation-service/internal/store"
)

// ConfirmationPoller asks processors about payments still PENDING after the
// minimum age, covering webhooks that never arrived.
type ConfirmationPoller struct {
	repo       store.Repository
	reconciler EventReconciler
	queriers   map[string]StatusQuerier
	logger     *slog.Logger

	minAge    time.Duration
	batchSize int
	timeout   time.Duration
	now       func() time.Time
}

// PollerConfig holds the poller tunables.
type PollerConfig struct {
	MinAge           time.Duration
	BatchSize        int
	ProcessorTimeout time.Duration
}

func NewConfirmationPoller(repo store.Repository, reconciler EventReconciler, queriers map[string]StatusQuerier, logger *slog.Logger, cfg PollerConfig) *ConfirmationPoller {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationPoller{
		repo:       repo,
		reconciler: reconciler,
		queriers:   queriers,
		logger:     logger,
		minAge:     cfg.MinAge,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.ProcessorTimeout,
		now:        time.Now,
	}
}

// PollStats summarizes one poll run.
type PollStats struct {
	Checked    int
	Reconciled int
	Failed     int
}

// PollPendingPayments runs one pass over stale pending payments.
func (p *ConfirmationPoller) PollPendingPayments(ctx context.Context) (PollStats, error) {
	var stats PollStats
	payments, err := p.repo.ListStalePendingPayments(ctx, p.now().Add(-p.minAge), p.batchSize)
	if err != nil {
		return stats, err
	}

	for i := range payments {
		payment := payments[i]
		querier, ok := p.queriers[payment.Provider]
		if !ok {
			continue
		}
		stats.Checked++

		queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
		event, err := querier.QueryStatus(queryCtx, &payment)
		cancel()
		if err != nil {
			stats.Failed++
			p.logger.Warn("confirmation query failed", "payment_id", payment.ID, "provider", payment.Provider, "error", err)
			continue
		}
		if event == nil {
			continue
		}

		result, err := p.reconciler.Reconcile(ctx, *event)
		if err != nil {
			if errors.Is(err, ErrUnknownCorrelation) {
				p.logger.Warn("polled payment no longer correlates", "payment_id", payment.ID)
			} else {
				p.logger.Error("failed to reconcile polled status", "payment_id", payment.ID, "error", err)
			}
			stats.Failed++
			continue
		}
		if result.Transitioned {
			stats.Reconciled++
		}
	}
	return stats, nil
}

// Run is the cron entrypoint.
func (p *ConfirmationPoller) Run() {
	p.logger.Info("starting confirmation poll job")
	stats, err := p.PollPendingPayments(context.Background())
	if err != nil {
		p.logger.Error("confirmation poll failed", "error", err)
		return
	}
	p.logger.Info("confirmation poll job finished", "checked", stats.Checked, "reconciled", stats.Reconciled, "failed", stats.Failed)
}
