package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"airdrop/internal/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

type evmBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type EVMConfig struct {
	RPCURL       string
	ChainID      int64
	PrivateKey   string
	TokenAddress string
	Decimals     int32
}

// EVMTransferer pays ERC-20 tokens from a single hot wallet. Nonces are assigned locally so
// concurrent payouts never reuse one.
type EVMTransferer struct {
	backend  evmBackend
	key      *ecdsa.PrivateKey
	from     common.Address
	token    common.Address
	chainID  *big.Int
	decimals int32
	erc20    abi.ABI

	mu        sync.Mutex
	nextNonce *uint64
}

func NewEVMTransferer(ctx context.Context, cfg EVMConfig) (*EVMTransferer, error) {
	if cfg.RPCURL == "" || cfg.PrivateKey == "" || cfg.TokenAddress == "" {
		return nil, ErrNotConfigured
	}

	logger.Debug("chain: dialing evm rpc...")
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial evm rpc: %w", err)
	}

	return newEVMTransferer(ctx, client, cfg)
}

func newEVMTransferer(ctx context.Context, backend evmBackend, cfg EVMConfig) (*EVMTransferer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	if !evmAddressPattern.MatchString(cfg.TokenAddress) {
		return nil, fmt.Errorf("%w: token %q", ErrInvalidAddress, cfg.TokenAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: query chain id: %w", err)
		}
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	logger.Info("chain: evm transferer ready", zap.String("from", strings.ToLower(from.Hex())), zap.String("chain id", chainID.String()))

	return &EVMTransferer{
		backend:  backend,
		key:      key,
		from:     from,
		token:    common.HexToAddress(cfg.TokenAddress),
		chainID:  chainID,
		decimals: cfg.Decimals,
		erc20:    parsed,
	}, nil
}

func (t *EVMTransferer) NormalizeAddress(address string) (string, error) {
	return normalizeEVMAddress(address)
}

func normalizeEVMAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !evmAddressPattern.MatchString(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(address), nil
}

// Prepare builds and signs the token transfer. The returned TxID is the signed hash, so it can
// be recorded before anything is sent.
func (t *EVMTransferer) Prepare(ctx context.Context, to string, amount decimal.Decimal) (*Transfer, error) {
	recipient, err := t.NormalizeAddress(to)
	if err != nil {
		return nil, err
	}

	value, err := ToBaseUnits(amount, t.decimals)
	if err != nil {
		return nil, err
	}

	balance, err := t.balance(ctx)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(value) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, value)
	}

	data, err := t.erc20.Pack("transfer", common.HexToAddress(recipient), value)
	if err != nil {
		return nil, err
	}

	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas tip: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: latest header: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &t.token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}

	nonce, err := t.reserveNonce(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &t.token,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		t.resetNonce()
		return nil, fmt.Errorf("chain: sign transfer: %w", err)
	}

	return &Transfer{
		To:      recipient,
		Amount:  amount,
		TxID:    strings.ToLower(signed.Hash().Hex()),
		payload: signed,
	}, nil
}

// Abandon hands the transfer's nonce back. When later nonces were already handed out the next
// Prepare asks the node instead, so no gap is left in front of them.
func (t *EVMTransferer) Abandon(transfer *Transfer) {
	signed, ok := transfer.payload.(*types.Transaction)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextNonce != nil && *t.nextNonce == signed.Nonce()+1 {
		*t.nextNonce = signed.Nonce()
		return
	}
	t.nextNonce = nil
}

func (t *EVMTransferer) Broadcast(ctx context.Context, transfer *Transfer) (string, error) {
	signed, ok := transfer.payload.(*types.Transaction)
	if !ok {
		return "", errors.New("chain: transfer was not prepared by the evm transferer")
	}

	err := t.backend.SendTransaction(ctx, signed)
	if err == nil {
		return transfer.TxID, nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if strings.Contains(strings.ToLower(rpcErr.Error()), "already known") {
			return transfer.TxID, nil
		}
		// The node looked at the transaction and refused it.
		t.resetNonce()
		return "", fmt.Errorf("chain: transaction rejected: %w", err)
	}

	t.resetNonce()
	if IsAmbiguous(err) {
		return "", err
	}
	return "", uncertain(err)
}

func (t *EVMTransferer) Status(ctx context.Context, txID string) (TransferState, error) {
	hash := common.HexToHash(txID)

	receipt, err := t.backend.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return StateLanded, nil
		}
		return StateFailed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return StateNotFound, err
	}

	_, _, err = t.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return StateNotFound, nil
	}
	if err != nil {
		return StateNotFound, err
	}

	// Either still in the pool or mined without an indexed receipt yet.
	return StatePending, nil
}

func (t *EVMTransferer) balance(ctx context.Context) (*big.Int, error) {
	data, err := t.erc20.Pack("balanceOf", t.from)
	if err != nil {
		return nil, err
	}

	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: token balance: %w", err)
	}

	values, err := t.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("chain: decode token balance: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("chain: unexpected balanceOf result")
	}

	return balance, nil
}

func (t *EVMTransferer) reserveNonce(ctx context.Context) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextNonce == nil {
		nonce, err := t.backend.PendingNonceAt(ctx, t.from)
		if err != nil {
			return 0, fmt.Errorf("chain: pending nonce: %w", err)
		}
		t.nextNonce = &nonce
	}

	nonce := *t.nextNonce
	*t.nextNonce = nonce + 1
	return nonce, nil
}

// resetNonce makes the next Prepare ask the node again, closing any gap a failed send left.
func (t *EVMTransferer) resetNonce() {
	t.mu.Lock()
	t.nextNonce = nil
	t.mu.Unlock()
}
