package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrWalletTaken     = errors.New("storage: wallet is linked to another social account")
	ErrReservationHeld = errors.New("storage: registration has a payout in flight")
)

type Storage interface {
	// registration
	LinkRegistration(ctx context.Context, wallet, socialID, handle string) (*Registration, error)
	GetRegistrationByWallet(ctx context.Context, wallet string) (*Registration, error)
	CountRegistrations(ctx context.Context) (int64, error)

	// participation
	MarkParticipated(ctx context.Context, socialIDs []string, at time.Time) (int64, error)

	// payout ledger
	CountPaid(ctx context.Context) (int64, error)
	ListPayable(ctx context.Context, limit int) ([]*Registration, error)
	ReserveRegistration(ctx context.Context, wallet, reservationID, amount string, at time.Time, maxRecipients int) (bool, error)
	RecordPendingTx(ctx context.Context, wallet, reservationID, txID string) error
	ConfirmPayout(ctx context.Context, wallet, reservationID, txID, amount string, at time.Time) (bool, error)
	ReleaseReservation(ctx context.Context, wallet, reservationID string) (bool, error)
	ListStaleReservations(ctx context.Context, reservedBefore time.Time) ([]*Registration, error)

	// campaign
	ActiveCampaign(ctx context.Context) (*Campaign, error)
	UpsertCampaign(ctx context.Context, postID string, at time.Time) (*Campaign, error)

	// pending link
	PutPendingLink(ctx context.Context, link *PendingLink) error
	TakePendingLink(ctx context.Context, wallet string, now time.Time) (*PendingLink, error)
	DeleteExpiredPendingLinks(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
