package airdrop

import (
	"context"
	"fmt"

	"airdrop/internal/chain"
	"airdrop/internal/logger"
	"airdrop/internal/storage"

	"go.uber.org/zap"
)

type Sweep struct {
	Released   int
	Confirmed  int
	Pending    int
	Unresolved int
	Failed     int
}

// ReleaseStaleReservations settles reservations older than ReservationTimeout against the chain.
// A transfer that landed is confirmed and one still pending is left alone. One the chain does not
// know or that failed is released so the registration can be paid again. A reservation with no
// recorded transfer may still have sent one, so it stays for an operator.
func (s *Service) ReleaseStaleReservations(ctx context.Context) (*Sweep, error) {
	now := s.now()
	stale, err := s.storage.ListStaleReservations(ctx, now.Add(-s.opts.ReservationTimeout))
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}

	sweep := &Sweep{}
	for _, registration := range stale {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}

		if err := s.settle(ctx, registration, sweep); err != nil {
			sweep.Failed++
			logger.Error("airdrop: settle stale reservation failed", zap.String("wallet", registration.WalletAddress), zap.Error(err))
		}
	}

	if purged, err := s.storage.DeleteExpiredPendingLinks(ctx, now); err != nil {
		logger.Warn("airdrop: purge expired link state failed", zap.Error(err))
	} else if purged > 0 {
		logger.Debug("airdrop: purged expired link state", zap.Int64("count", purged))
	}

	if len(stale) > 0 {
		logger.Info("airdrop: stale reservations swept",
			zap.Int("released", sweep.Released),
			zap.Int("confirmed", sweep.Confirmed),
			zap.Int("pending", sweep.Pending),
			zap.Int("unresolved", sweep.Unresolved),
			zap.Int("failed", sweep.Failed),
		)
	}

	return sweep, nil
}

func (s *Service) settle(ctx context.Context, registration *storage.Registration, sweep *Sweep) error {
	wallet := registration.WalletAddress
	reservationID := *registration.ReservationID

	if registration.PendingTxID == "" {
		sweep.Unresolved++
		logger.Error("airdrop: stale reservation has no recorded transfer, leaving it for review", zap.String("wallet", wallet), zap.String("reservation", reservationID))
		return nil
	}

	state, err := s.transferer.Status(ctx, registration.PendingTxID)
	if err != nil {
		return fmt.Errorf("transfer status: %w", err)
	}

	switch state {
	case chain.StateLanded:
		amount := registration.PendingAmount
		if amount == "" {
			amount = s.opts.Amount.String()
		}
		ok, err := s.storage.ConfirmPayout(ctx, wallet, reservationID, registration.PendingTxID, amount, s.now())
		if err != nil {
			return err
		}
		if ok {
			sweep.Confirmed++
			logger.Info("airdrop: stale reservation confirmed", zap.String("wallet", wallet), zap.String("tx id", registration.PendingTxID))
		}
	case chain.StatePending:
		sweep.Pending++
	default:
		ok, err := s.storage.ReleaseReservation(ctx, wallet, reservationID)
		if err != nil {
			return err
		}
		if ok {
			sweep.Released++
			logger.Info("airdrop: stale reservation released", zap.String("wallet", wallet), zap.String("tx id", registration.PendingTxID), zap.String("state", state.String()))
		}
	}

	return nil
}
