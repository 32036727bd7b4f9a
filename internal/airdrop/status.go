package airdrop

import (
	"context"
	"errors"
	"time"
)

type Status struct {
	Linked         bool       `json:"linked"`
	Participated   bool       `json:"participated"`
	Reserved       bool       `json:"reserved"`
	Paid           bool       `json:"paid"`
	State          string     `json:"state,omitempty"`
	Handle         string     `json:"handle,omitempty"`
	Amount         string     `json:"amount,omitempty"`
	TxID           string     `json:"txId,omitempty"`
	ParticipatedAt *time.Time `json:"participatedAt,omitempty"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
}

// Status is a read-only snapshot of wallet's registration.
func (s *Service) Status(ctx context.Context, wallet string) (*Status, error) {
	wallet, err := s.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	registration, err := s.registration(ctx, wallet)
	if errors.Is(err, ErrNotRegistered) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Status{
		Linked:         true,
		Participated:   registration.ParticipatedAt != nil,
		Reserved:       registration.ReservationID != nil,
		Paid:           registration.PaidAt != nil,
		State:          registration.Status(),
		Handle:         registration.SocialHandle,
		Amount:         registration.PayoutAmount,
		TxID:           registration.PayoutTxID,
		ParticipatedAt: registration.ParticipatedAt,
		PaidAt:         registration.PaidAt,
	}, nil
}
