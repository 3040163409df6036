package payout

import (
	"context"
	"fmt"
	"time"

	"matchpay/internal/events"
	"matchpay/internal/logger"
	"matchpay/internal/match"
	"matchpay/internal/metrics"
)

const batchSize = 100

// Scheduler turns played matches into SCHEDULED payouts for their organizers.
// The unique match_id constraint makes concurrent runs safe.
type Scheduler struct {
	store   Store
	matches match.Store
	events  events.Publisher
	delay   time.Duration
	now     func() time.Time
}

func NewScheduler(store Store, matches match.Store, pub events.Publisher, delay time.Duration) *Scheduler {
	return &Scheduler{store: store, matches: matches, events: pub, delay: delay, now: time.Now}
}

func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveSchedulerRun(time.Since(start).Seconds()) }()

	matches, err := s.matches.ListDueForPayout(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("payout.Run: %w", err)
	}

	res := &RunResult{Scanned: len(matches)}
	for i := range matches {
		created, err := s.schedule(ctx, &matches[i])
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}

	logger.Info("payout scheduler run finished", "scanned", res.Scanned, "created", res.Created, "skipped", res.Skipped)
	return res, nil
}

func (s *Scheduler) schedule(ctx context.Context, m *match.Match) (bool, error) {
	totals, err := s.matches.SucceededPaymentTotals(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("payout.Run: match %d: %w", m.ID, err)
	}
	if len(totals) == 0 || totals[0].Amount.Sign() <= 0 {
		logger.Debug("match has no settled payments", "match_id", m.ID)
		return false, nil
	}
	if len(totals) > 1 {
		logger.Warn("match payments span several currencies, payout needs manual handling", "match_id", m.ID, "currencies", len(totals))
		return false, nil
	}

	matchID := m.ID
	p, created, err := s.store.InsertScheduled(ctx, &Payout{
		OwnerID:             m.OrganizerID,
		MatchID:             &matchID,
		Amount:              totals[0].Amount,
		Currency:            totals[0].Currency,
		Status:              StatusScheduled,
		ScheduledPayoutDate: m.MatchDate.Add(s.delay),
	})
	if err != nil {
		return false, fmt.Errorf("payout.Run: match %d: %w", m.ID, err)
	}
	if !created {
		return false, nil
	}

	metrics.RecordPayout(string(StatusScheduled))
	logger.Info("payout scheduled", "payout_id", p.ID, "match_id", m.ID, "amount", p.Amount.String(), "currency", p.Currency)
	events.Emit(ctx, s.events, events.New(events.PayoutScheduled, payoutKey(p.ID), p.OwnerID, p))
	return true, nil
}

// Start runs the scheduler, then due withdrawals and reconciliation of stuck
// payouts, once at startup and then every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval, reconcileAfter time.Duration, exec *Executor) {
	logger.Info("payout scheduler started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, reconcileAfter, exec)
		select {
		case <-ctx.Done():
			logger.Info("payout scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, reconcileAfter time.Duration, exec *Executor) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Run(ctx); err != nil {
		logger.Error("payout scheduler run failed", "error", err)
	}
	if exec == nil {
		return
	}
	if _, err := exec.ExecuteDue(ctx); err != nil {
		logger.Error("due payouts failed", "error", err)
	}
	if _, err := exec.ReconcileProcessing(ctx, reconcileAfter); err != nil {
		logger.Error("payout reconciliation failed", "error", err)
	}
}
