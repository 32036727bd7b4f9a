package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Unconfigured stands in when payout credentials are missing. Addresses are still validated so
// linking and participation work; any attempt to move funds reports ErrNotConfigured.
type Unconfigured struct {
	TON bool
}

func (u Unconfigured) NormalizeAddress(address string) (string, error) {
	if u.TON {
		return normalizeTONAddress(address)
	}
	return normalizeEVMAddress(address)
}

func (Unconfigured) Prepare(context.Context, string, decimal.Decimal) (*Transfer, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) Abandon(*Transfer) {}

func (Unconfigured) Broadcast(context.Context, *Transfer) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) Status(context.Context, string) (TransferState, error) {
	return StateNotFound, ErrNotConfigured
}
