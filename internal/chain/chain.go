package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInsufficientFunds = errors.New("chain: insufficient funds in distribution wallet")
	ErrNotConfigured     = errors.New("chain: transferer not configured")
	errUncertain         = errors.New("chain: broadcast outcome unknown")
)

type TransferState int

const (
	StateNotFound TransferState = iota
	StatePending
	StateLanded
	StateFailed
)

func (s TransferState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLanded:
		return "landed"
	case StateFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// Transfer is a payout ready to broadcast. TxID is filled by Prepare when the chain lets the
// hash be computed before sending, otherwise by Broadcast.
type Transfer struct {
	To     string
	Amount decimal.Decimal
	TxID   string

	payload any
}

type Transferer interface {
	// NormalizeAddress validates an address and returns its canonical form, the form wallets
	// are stored and compared in.
	NormalizeAddress(address string) (string, error)
	Prepare(ctx context.Context, to string, amount decimal.Decimal) (*Transfer, error)
	// Abandon gives back whatever Prepare took for a transfer that will never be broadcast.
	Abandon(transfer *Transfer)
	// Broadcast sends a prepared transfer. When the outcome is ambiguous the returned id may
	// still be set; it identifies what may have been sent.
	Broadcast(ctx context.Context, transfer *Transfer) (string, error)
	Status(ctx context.Context, txID string) (TransferState, error)
}

// IsAmbiguous reports whether a Broadcast error leaves open the possibility that the transfer
// was sent anyway.
func IsAmbiguous(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errUncertain)
}

func uncertain(err error) error {
	return fmt.Errorf("%w: %w", errUncertain, err)
}

// ToBaseUnits converts a whole-token amount to the smallest unit, rejecting amounts that do
// not fit exactly.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("chain: amount %s has more than %d decimals", amount, decimals)
	}
	if shifted.Sign() <= 0 {
		return nil, fmt.Errorf("chain: amount %s must be positive", amount)
	}
	return shifted.BigInt(), nil
}
