package airdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airdrop/internal/logger"
	"airdrop/internal/metrics"

	"go.uber.org/zap"
)

type Report struct {
	PostID       string        `json:"postId"`
	Participants int           `json:"participants"`
	Marked       int64         `json:"marked"`
	Remaining    int           `json:"remaining"`
	Selected     int           `json:"selected"`
	Paid         int           `json:"paid"`
	Failed       int           `json:"failed"`
	Sweep        *Sweep        `json:"sweep,omitempty"`
	Skipped      string        `json:"skipped,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Reconcile is one batch pass: settle stale reservations, refresh participation with the
// batch rate-limit policy, then pay the oldest eligible registrations up to the remaining cap,
// one at a time. Individual payout failures are logged and skipped. Only one pass runs at a
// time per process; a concurrent call gets ErrReconcileRunning.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	if !s.reconciling.CompareAndSwap(false, true) {
		return nil, ErrReconcileRunning
	}
	defer s.reconciling.Store(false)

	return s.reconcile(ctx)
}

// StartReconcile runs a pass in the background. It returns ErrReconcileRunning at once if a pass
// is already running.
func (s *Service) StartReconcile(ctx context.Context) error {
	if !s.reconciling.CompareAndSwap(false, true) {
		return ErrReconcileRunning
	}

	go func() {
		defer s.reconciling.Store(false)
		if _, err := s.reconcile(ctx); err != nil {
			logger.Error("reconciler: background pass failed", zap.Error(err))
		}
	}()

	return nil
}

func (s *Service) reconcile(ctx context.Context) (report *Report, err error) {
	started := s.clock.Now()
	report = &Report{}
	defer func() {
		report.Duration = s.clock.Since(started)
		metrics.RecordReconcile(report.Duration, err)
	}()

	log := logger.Named("reconciler")
	log.Info("reconciler: pass started")

	sweep, err := s.ReleaseStaleReservations(ctx)
	if err != nil {
		log.Error("reconciler: stale reservation sweep failed", zap.Error(err))
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}
	report.Sweep = sweep

	campaign, err := s.currentCampaign(ctx)
	if err != nil {
		return report, err
	}
	report.PostID = campaign.PostID

	if s.campaignClosed(campaign) {
		report.Skipped = ErrCampaignClosed.Error()
		log.Info("reconciler: campaign window elapsed, skipping", zap.String("post id", campaign.PostID), zap.Timep("started at", campaign.StartedAt))
		return report, nil
	}

	var refreshErr error
	refresh, err := s.RefreshParticipation(ctx, Batch)
	switch {
	case err == nil:
		report.Participants = refresh.Participants
		report.Marked = refresh.Marked
	case ctx.Err() != nil:
		return report, ctx.Err()
	default:
		// Registrations marked by earlier passes can still be paid.
		refreshErr = fmt.Errorf("refresh participation: %w", err)
		log.Error("reconciler: participation refresh failed, paying known participants", zap.Error(err))
	}

	paid, err := s.storage.CountPaid(ctx)
	if err != nil {
		return report, errors.Join(refreshErr, fmt.Errorf("count paid: %w", err))
	}

	report.Remaining = max(s.opts.MaxRecipients-int(paid), 0)
	if report.Remaining == 0 {
		log.Info("reconciler: recipient cap reached", zap.Int64("paid", paid), zap.Int("cap", s.opts.MaxRecipients))
		return report, refreshErr
	}

	payable, err := s.storage.ListPayable(ctx, report.Remaining)
	if err != nil {
		return report, errors.Join(refreshErr, fmt.Errorf("list payable: %w", err))
	}
	report.Selected = len(payable)

	for _, registration := range payable {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		payout, err := s.Claim(ctx, registration.WalletAddress)
		if err != nil {
			report.Failed++
			log.Warn("reconciler: payout failed, continuing", zap.String("wallet", registration.WalletAddress), zap.Error(err))
			if errors.Is(err, ErrCapReached) {
				break
			}
			continue
		}
		if !payout.AlreadyClaimed {
			report.Paid++
		}
	}

	log.Info("reconciler: pass finished",
		zap.String("post id", report.PostID),
		zap.Int64("marked", report.Marked),
		zap.Int("selected", report.Selected),
		zap.Int("paid", report.Paid),
		zap.Int("failed", report.Failed),
	)

	return report, refreshErr
}
