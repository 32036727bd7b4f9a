package airdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airdrop/internal/chain"
	"airdrop/internal/events"
	"airdrop/internal/logger"
	"airdrop/internal/metrics"
	"airdrop/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Payout struct {
	Wallet         string     `json:"wallet"`
	TxID           string     `json:"txId"`
	Amount         string     `json:"amount"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
	AlreadyClaimed bool       `json:"alreadyClaimed"`
}

func paidPayout(registration *storage.Registration) *Payout {
	return &Payout{
		Wallet:         registration.WalletAddress,
		TxID:           registration.PayoutTxID,
		Amount:         registration.PayoutAmount,
		PaidAt:         registration.PaidAt,
		AlreadyClaimed: true,
	}
}

// Claim pays wallet once. A wallet that was already paid gets its existing payout back. If
// another claim for the same wallet holds the reservation, Claim waits up to ClaimWaitTimeout for
// it to finish and returns its result.
func (s *Service) Claim(ctx context.Context, wallet string) (*Payout, error) {
	wallet, err := s.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	registration, err := s.registration(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if registration.PaidAt != nil {
		metrics.Payouts.WithLabelValues("already_paid").Inc()
		return paidPayout(registration), nil
	}
	if registration.ParticipatedAt == nil {
		return nil, ErrNotParticipated
	}

	campaign, err := s.currentCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if s.campaignClosed(campaign) {
		return nil, ErrCampaignClosed
	}

	reservationID := uuid.NewString()
	reserved, err := s.storage.ReserveRegistration(ctx, wallet, reservationID, s.opts.Amount.String(), s.now(), s.opts.MaxRecipients)
	if err != nil {
		return nil, fmt.Errorf("reserve payout: %w", err)
	}
	if !reserved {
		return s.afterLostReservation(ctx, wallet)
	}

	return s.pay(ctx, wallet, reservationID)
}

func (s *Service) afterLostReservation(ctx context.Context, wallet string) (*Payout, error) {
	registration, err := s.registration(ctx, wallet)
	if err != nil {
		return nil, err
	}

	switch registration.Status() {
	case storage.StatusPaid:
		metrics.Payouts.WithLabelValues("already_paid").Inc()
		return paidPayout(registration), nil
	case storage.StatusReserved:
		return s.waitForPayout(ctx, wallet)
	}

	paid, err := s.storage.CountPaid(ctx)
	if err != nil {
		return nil, err
	}
	if paid >= int64(s.opts.MaxRecipients) {
		return nil, ErrCapReached
	}

	// Every remaining slot is held by an in-flight payout.
	return nil, ErrClaimInProgress
}

func (s *Service) waitForPayout(ctx context.Context, wallet string) (*Payout, error) {
	deadline := s.clock.Now().Add(s.opts.ClaimWaitTimeout)

	for s.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.opts.ClaimPollInterval):
		}

		registration, err := s.registration(ctx, wallet)
		if err != nil {
			return nil, err
		}
		switch registration.Status() {
		case storage.StatusPaid:
			metrics.Payouts.WithLabelValues("already_paid").Inc()
			return paidPayout(registration), nil
		case storage.StatusReserved:
			continue
		default:
			// The other attempt failed and released its reservation.
			return nil, ErrClaimInProgress
		}
	}

	return nil, ErrClaimInProgress
}

// pay runs one transfer under a held reservation. Failures before or during broadcast release
// the reservation, except when the broadcast may have gone out; then the reservation stays for
// the stale sweep to settle against the chain.
func (s *Service) pay(ctx context.Context, wallet, reservationID string) (*Payout, error) {
	log := logger.Named("payout").With(zap.String("wallet", wallet), zap.String("reservation", reservationID))
	amount := s.opts.Amount

	transfer, err := s.transferer.Prepare(ctx, wallet, amount)
	if err != nil {
		s.release(wallet, reservationID, log)
		metrics.Payouts.WithLabelValues("released").Inc()
		log.Warn("payout: prepare failed", zap.Error(err))
		return nil, classifyChainError(err)
	}

	// Ledger writes past this point finish even if the caller has gone away.
	ledgerCtx := context.WithoutCancel(ctx)

	recorded := transfer.TxID != ""
	if recorded {
		if err := s.storage.RecordPendingTx(ledgerCtx, wallet, reservationID, transfer.TxID); err != nil {
			s.abandon(transfer, wallet, reservationID, log)
			return nil, fmt.Errorf("record pending transaction: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		s.abandon(transfer, wallet, reservationID, log)
		return nil, err
	}

	txID, err := s.transferer.Broadcast(ctx, transfer)
	if txID != "" && !recorded {
		if err := s.storage.RecordPendingTx(ledgerCtx, wallet, reservationID, txID); err != nil {
			log.Error("payout: record broadcast transaction failed", zap.String("tx id", txID), zap.Error(err))
		}
	}
	if err != nil {
		if chain.IsAmbiguous(err) {
			metrics.Payouts.WithLabelValues("ambiguous").Inc()
			log.Error("payout: broadcast outcome unknown, leaving reservation for the sweep", zap.String("tx id", txID), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrPayoutPending, err)
		}

		s.release(wallet, reservationID, log)
		metrics.Payouts.WithLabelValues("released").Inc()
		log.Warn("payout: broadcast failed", zap.Error(err))
		return nil, classifyChainError(err)
	}

	paidAt := s.now()
	confirmed, err := s.storage.ConfirmPayout(ledgerCtx, wallet, reservationID, txID, amount.String(), paidAt)
	if err != nil || !confirmed {
		metrics.Payouts.WithLabelValues("ambiguous").Inc()
		log.Error("payout: transfer sent but ledger not confirmed", zap.String("tx id", txID), zap.Bool("confirmed", confirmed), zap.Error(err))
		return nil, fmt.Errorf("%w: transaction %s sent, ledger update failed", ErrPayoutPending, txID)
	}

	metrics.Payouts.WithLabelValues("paid").Inc()
	log.Info("payout: paid", zap.String("tx id", txID), zap.String("amount", amount.String()))
	events.Emit(ledgerCtx, s.events, events.Paid, events.PaidEvent{
		Wallet:    wallet,
		TxID:      txID,
		Amount:    amount.String(),
		Timestamp: paidAt,
	})

	return &Payout{Wallet: wallet, TxID: txID, Amount: amount.String(), PaidAt: &paidAt}, nil
}

// abandon drops a prepared transfer that was never broadcast.
func (s *Service) abandon(transfer *chain.Transfer, wallet, reservationID string, log *zap.Logger) {
	s.transferer.Abandon(transfer)
	s.release(wallet, reservationID, log)
	metrics.Payouts.WithLabelValues("released").Inc()
	log.Warn("payout: prepared transfer abandoned before broadcast", zap.String("tx id", transfer.TxID))
}

func (s *Service) release(wallet, reservationID string, log *zap.Logger) {
	released, err := s.storage.ReleaseReservation(context.Background(), wallet, reservationID)
	if err != nil || !released {
		log.Error("payout: release reservation failed", zap.Bool("released", released), zap.Error(err))
	}
}

func classifyChainError(err error) error {
	switch {
	case errors.Is(err, chain.ErrNotConfigured):
		return fmt.Errorf("%w: %w", ErrProviderMisconfigured, err)
	case errors.Is(err, chain.ErrInvalidAddress):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrExternalProvider, err)
	}
}
