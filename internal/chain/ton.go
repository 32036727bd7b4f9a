package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"airdrop/internal/logger"

	"github.com/shopspring/decimal"
	"github.com/tonkeeper/tonapi-go"
	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"
	"go.uber.org/zap"
)

const (
	tonConfirmTimeout  = 60 * time.Second
	tonSeqnoInterval   = 2 * time.Second
	tonRetryAttempts   = 8
	tonRetryDelay      = 500 * time.Millisecond
	defaultTonDecimals = 9
)

var WalletMap = map[string]int{
	"V1R1":         0,
	"V1R2":         1,
	"V1R3":         2,
	"V2R1":         3,
	"V2R2":         4,
	"V3R1":         5,
	"V3R2":         6,
	"V3R2Lockup":   7,
	"V4R1":         8,
	"V4R2":         9,
	"V5Beta":       10,
	"V5R1":         11,
	"HighLoadV1R1": 12,
	"HighLoadV1R2": 13,
	"HighLoadV2":   14,
	"HighLoadV2R1": 15,
	"HighLoadV2R2": 16,
}

type TONConfig struct {
	Mnemonic      string
	WalletVersion string
	Network       string
	APIToken      string
	Decimals      int32
	Comment       string
}

type messageLookup struct {
	found   bool
	success bool
}

// TONTransferer pays Toncoin from the distribution wallet and tracks transfers through tonapi.
type TONTransferer struct {
	address        ton.AccountID
	decimals       int32
	comment        string
	retryDelay     time.Duration
	confirmTimeout time.Duration
	seqnoInterval  time.Duration

	// One transfer in flight at a time; each send takes the wallet's next seqno.
	mu sync.Mutex

	send          func(ctx context.Context, message wallet.Message) (ton.Bits256, error)
	seqno         func(ctx context.Context) (uint32, error)
	balance       func(ctx context.Context) (int64, error)
	lookupMessage func(ctx context.Context, hash string) (messageLookup, error)
}

func NewTONTransferer(cfg TONConfig) (*TONTransferer, error) {
	if cfg.Mnemonic == "" {
		return nil, ErrNotConfigured
	}

	version, ok := WalletMap[cfg.WalletVersion]
	if !ok {
		return nil, fmt.Errorf("chain: unknown wallet version %q", cfg.WalletVersion)
	}

	logger.Debug("chain: tonapi client...")
	apiURL := tonapi.TonApiURL
	if cfg.Network == "testnet" {
		apiURL = tonapi.TestnetTonApiURL
	}
	// An empty token sends unauthenticated requests.
	client, err := tonapi.NewClient(apiURL, tonapi.WithToken(cfg.APIToken))
	if err != nil {
		return nil, err
	}

	logger.Debug("chain: lite client...")
	var lite *liteapi.Client
	if cfg.Network == "testnet" {
		lite, err = liteapi.NewClientWithDefaultTestnet()
	} else {
		lite, err = liteapi.NewClientWithDefaultMainnet()
	}
	if err != nil {
		return nil, err
	}

	pk, err := wallet.SeedToPrivateKey(cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("chain: wallet seed: %w", err)
	}

	distributor, err := wallet.New(pk, wallet.Version(version), lite)
	if err != nil {
		return nil, err
	}

	address := distributor.GetAddress()
	logger.Info("chain: ton transferer ready", zap.String("wallet", address.ToRaw()), zap.String("version", cfg.WalletVersion))

	decimals := cfg.Decimals
	if decimals == 0 {
		decimals = defaultTonDecimals
	}

	t := &TONTransferer{
		address:        address,
		decimals:       decimals,
		comment:        cfg.Comment,
		retryDelay:     tonRetryDelay,
		confirmTimeout: tonConfirmTimeout,
		seqnoInterval:  tonSeqnoInterval,
	}

	t.send = func(ctx context.Context, message wallet.Message) (ton.Bits256, error) {
		// Confirmation is awaited in Broadcast.
		return distributor.SendV2(ctx, 0, message)
	}
	t.seqno = func(ctx context.Context) (uint32, error) {
		return lite.GetSeqno(ctx, address)
	}
	t.balance = func(ctx context.Context) (int64, error) {
		account, err := client.GetAccount(ctx, tonapi.GetAccountParams{AccountID: address.ToRaw()})
		if err != nil {
			return 0, err
		}
		return account.Balance, nil
	}
	t.lookupMessage = func(ctx context.Context, hash string) (messageLookup, error) {
		tx, err := client.GetBlockchainTransactionByMessageHash(ctx, tonapi.GetBlockchainTransactionByMessageHashParams{MsgID: hash})
		if isStatus(err, http.StatusNotFound) {
			return messageLookup{}, nil
		}
		if err != nil {
			return messageLookup{}, err
		}
		return messageLookup{found: true, success: tx.Success && !tx.Aborted}, nil
	}

	return t, nil
}

func (t *TONTransferer) NormalizeAddress(address string) (string, error) {
	return normalizeTONAddress(address)
}

func normalizeTONAddress(address string) (string, error) {
	accountID, err := ton.ParseAccountID(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(accountID.ToRaw()), nil
}

func (t *TONTransferer) Prepare(ctx context.Context, to string, amount decimal.Decimal) (*Transfer, error) {
	recipient, err := t.NormalizeAddress(to)
	if err != nil {
		return nil, err
	}
	accountID := ton.MustParseAccountID(recipient)

	value, err := ToBaseUnits(amount, t.decimals)
	if err != nil {
		return nil, err
	}
	if !value.IsUint64() {
		return nil, fmt.Errorf("chain: amount %s overflows grams", amount)
	}

	balance, err := rateLimitRetry(ctx, tonRetryAttempts, t.retryDelay, func() (int64, error) {
		return t.balance(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: wallet balance: %w", err)
	}
	if balance < 0 || uint64(balance) < value.Uint64() {
		return nil, fmt.Errorf("%w: have %d, need %s", ErrInsufficientFunds, balance, value)
	}

	body, err := commentCell(t.comment)
	if err != nil {
		return nil, err
	}

	return &Transfer{
		To:     recipient,
		Amount: amount,
		payload: wallet.Message{
			Amount:  tlb.Grams(value.Uint64()),
			Address: accountID,
			Bounce:  false,
			Mode:    wallet.DefaultMessageMode,
			Body:    body,
		},
	}, nil
}

func (t *TONTransferer) Abandon(*Transfer) {}

// Broadcast sends the message and waits for the wallet seqno to move. The returned id is the
// external message hash. It is also returned with ambiguous errors once the message was built,
// so the transfer can be looked up later.
func (t *TONTransferer) Broadcast(ctx context.Context, transfer *Transfer) (string, error) {
	message, ok := transfer.payload.(wallet.Message)
	if !ok {
		return "", errors.New("chain: transfer was not prepared by the ton transferer")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Errors before a message hash exists mean nothing was sent; %v keeps them from reading as
	// ambiguous.
	seqno, err := t.seqno(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: wallet seqno: %v", err)
	}

	hash, err := t.send(ctx, message)
	if hash == (ton.Bits256{}) {
		if err == nil {
			return "", errors.New("chain: send returned no message hash")
		}
		return "", fmt.Errorf("chain: build ton message: %v", err)
	}
	transfer.TxID = hash.Hex()
	if err != nil {
		if IsAmbiguous(err) {
			return transfer.TxID, err
		}
		return transfer.TxID, uncertain(err)
	}

	if err := t.awaitSeqno(ctx, seqno); err != nil {
		return transfer.TxID, err
	}
	return transfer.TxID, nil
}

// awaitSeqno waits until the wallet has processed an external message past seqno.
func (t *TONTransferer) awaitSeqno(ctx context.Context, seqno uint32) error {
	deadline := time.After(t.confirmTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return uncertain(fmt.Errorf("wallet seqno still %d after %s", seqno, t.confirmTimeout))
		case <-time.After(t.seqnoInterval):
		}

		current, err := t.seqno(ctx)
		if err != nil {
			logger.Debug("chain: wallet seqno lookup failed", zap.Error(err))
			continue
		}
		if current > seqno {
			return nil
		}
	}
}

func (t *TONTransferer) Status(ctx context.Context, txID string) (TransferState, error) {
	lookup, err := rateLimitRetry(ctx, tonRetryAttempts, t.retryDelay, func() (messageLookup, error) {
		return t.lookupMessage(ctx, txID)
	})
	if err != nil {
		return StateNotFound, err
	}

	switch {
	case !lookup.found:
		return StateNotFound, nil
	case lookup.success:
		return StateLanded, nil
	default:
		return StateFailed, nil
	}
}

func commentCell(comment string) (*boc.Cell, error) {
	if comment == "" {
		return nil, nil
	}

	cell := boc.NewCell()
	if err := cell.WriteUint(0, 32); err != nil {
		return nil, err
	}
	if err := cell.WriteBytes([]byte(comment)); err != nil {
		return nil, err
	}

	return cell, nil
}

// rateLimitRetry repeats fn while tonapi answers 429, giving up after attempts tries.
func rateLimitRetry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err = fn()
		if !isStatus(err, http.StatusTooManyRequests) {
			return result, err
		}

		logger.Debug("chain: tonapi rate limited, retrying", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, err
}

func isStatus(err error, code int) bool {
	var e *tonapi.ErrorStatusCode
	return errors.As(err, &e) && e.StatusCode == code
}
