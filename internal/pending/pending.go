package pending

import (
	"context"
	"errors"
	"time"

	"airdrop/internal/storage"

	"github.com/jonboulle/clockwork"
)

// ErrNotFound is returned for records that are missing, expired or already taken.
var ErrNotFound = errors.New("pending: link state not found")

type Link struct {
	WalletAddress string `json:"wallet"`
	Nonce         string `json:"nonce"`
	Verifier      string `json:"verifier"`
}

// Store keeps short-lived OAuth state keyed by wallet address. Take deletes the record, so a
// record can be handed out at most once.
type Store interface {
	Put(ctx context.Context, link Link, ttl time.Duration) error
	Take(ctx context.Context, wallet string) (*Link, error)
}

// DatabaseStore keeps pending links in the ledger database.
type DatabaseStore struct {
	storage storage.Storage
	clock   clockwork.Clock
}

func NewDatabaseStore(s storage.Storage, clock clockwork.Clock) *DatabaseStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DatabaseStore{storage: s, clock: clock}
}

func (d *DatabaseStore) Put(ctx context.Context, link Link, ttl time.Duration) error {
	return d.storage.PutPendingLink(ctx, &storage.PendingLink{
		WalletAddress: link.WalletAddress,
		Nonce:         link.Nonce,
		Verifier:      link.Verifier,
		ExpiresAt:     d.clock.Now().UTC().Add(ttl),
	})
}

func (d *DatabaseStore) Take(ctx context.Context, wallet string) (*Link, error) {
	record, err := d.storage.TakePendingLink(ctx, wallet, d.clock.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Link{
		WalletAddress: record.WalletAddress,
		Nonce:         record.Nonce,
		Verifier:      record.Verifier,
	}, nil
}
