// Package wallet is the treasury's hot wallet. It confirms that the ether
// attached to mint and extend calls actually reached the treasury, and it
// pays out owner withdrawals.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/tierpass/internal/wei"
)

var (
	ErrInvalidKey      = errors.New("wallet: invalid private key")
	ErrInvalidAmount   = errors.New("wallet: amount must be positive")
	ErrReverted        = errors.New("wallet: transaction reverted")
	ErrTimeout         = errors.New("wallet: timed out waiting for receipt")
	ErrPaymentPending  = errors.New("wallet: payment not yet mined")
	ErrPaymentMismatch = errors.New("wallet: payment does not match call")
)

// PayoutError reports which step of a payout failed.
type PayoutError struct {
	Step   string
	TxHash common.Hash
	Err    error
}

func (e *PayoutError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("wallet: payout %s (tx %s): %v", e.Step, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("wallet: payout %s: %v", e.Step, e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }

// Backend is the subset of ethclient.Client the wallet needs.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// plainTransferGas is the intrinsic cost of a value transfer to an EOA.
const plainTransferGas = uint64(21000)

// Config opens a wallet.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
}

func (c Config) validate() error {
	if c.RPCURL == "" {
		return errors.New("wallet: RPC URL required")
	}
	if c.ChainID <= 0 {
		return errors.New("wallet: chain ID required")
	}
	if len(strings.TrimPrefix(c.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: want 32 bytes of hex", ErrInvalidKey)
	}
	return nil
}

// Option customizes a Wallet.
type Option func(*Wallet)

// WithBackend replaces the dialed RPC client.
func WithBackend(b Backend) Option {
	return func(w *Wallet) { w.backend = b }
}

// WithConfirmation makes Send block until the payout is mined or the
// timeout passes.
func WithConfirmation(timeout time.Duration) Option {
	return func(w *Wallet) { w.confirm = timeout }
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Wallet) { w.poll = d }
}

// Wallet signs treasury payouts. Payouts are serialized so concurrent
// withdrawals never race for a nonce.
type Wallet struct {
	backend Backend
	key     *ecdsa.PrivateKey
	addr    common.Address
	signer  types.Signer
	confirm time.Duration
	poll    time.Duration

	sendMu sync.Mutex
}

// New opens a wallet, dialing cfg.RPCURL unless a backend was supplied.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	w := &Wallet{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		poll:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.backend == nil {
		c, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("wallet: dial %s: %w", cfg.RPCURL, err)
		}
		w.backend = c
	}
	return w, nil
}

// Address is the treasury account.
func (w *Wallet) Address() common.Address { return w.addr }

// Balance returns the treasury's on-chain balance in ether.
func (w *Wallet) Balance(ctx context.Context) (string, error) {
	v, err := w.backend.BalanceAt(ctx, w.addr, nil)
	if err != nil {
		return "", fmt.Errorf("wallet: balance: %w", err)
	}
	return wei.FormatEther(v), nil
}

// Send pays amount wei to recipient and returns the transaction hash.
func (w *Wallet) Send(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	tx, err := w.payout(ctx, to, amount)
	if err != nil {
		return "", err
	}
	if w.confirm > 0 {
		if _, err := w.WaitMined(ctx, tx.Hash(), w.confirm); err != nil {
			return tx.Hash().Hex(), err
		}
	}
	return tx.Hash().Hex(), nil
}

// payout signs and broadcasts a dynamic-fee transfer. The fee cap allows
// the base fee to double before the transaction stalls.
func (w *Wallet) payout(ctx context.Context, to common.Address, amount *big.Int) (*types.Transaction, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.addr)
	if err != nil {
		return nil, &PayoutError{Step: "nonce", Err: err}
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &PayoutError{Step: "head", Err: err}
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &PayoutError{Step: "tip", Err: err}
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee(head), big.NewInt(2)))

	gas, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.addr, To: &to, Value: amount})
	if err != nil || gas < plainTransferGas {
		gas = plainTransferGas
	}

	tx, err := types.SignNewTx(w.key, w.signer, &types.DynamicFeeTx{
		ChainID:   w.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     amount,
	})
	if err != nil {
		return nil, &PayoutError{Step: "sign", Err: err}
	}
	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		return nil, &PayoutError{Step: "broadcast", TxHash: tx.Hash(), Err: err}
	}
	return tx, nil
}

func baseFee(h *types.Header) *big.Int {
	if h == nil || h.BaseFee == nil {
		return new(big.Int)
	}
	return h.BaseFee
}

// WaitMined polls for the receipt of hash until it appears or timeout
// passes. A reverted transaction returns ErrReverted with the receipt.
func (w *Wallet) WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		r, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if r.Status != types.ReceiptStatusSuccessful {
				return r, &PayoutError{Step: "confirm", TxHash: hash, Err: ErrReverted}
			}
			return r, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// VerifyPayment checks that txHash is a mined, successful transfer of at
// least amount wei from payer to the treasury.
func (w *Wallet) VerifyPayment(ctx context.Context, payer common.Address, amount *big.Int, txHash string) error {
	hash := common.HexToHash(txHash)

	tx, pending, err := w.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("wallet: lookup %s: %w", hash.Hex(), err)
	}
	if pending {
		return ErrPaymentPending
	}
	r, err := w.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("wallet: receipt %s: %w", hash.Hex(), err)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return ErrReverted
	}

	switch from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); {
	case tx.To() == nil || *tx.To() != w.addr:
		return fmt.Errorf("%w: not sent to the treasury", ErrPaymentMismatch)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrPaymentMismatch, err)
	case from != payer:
		return fmt.Errorf("%w: sent by %s", ErrPaymentMismatch, from.Hex())
	case tx.Value().Cmp(amount) < 0:
		return fmt.Errorf("%w: carried %s wei, need %s", ErrPaymentMismatch, tx.Value(), amount)
	}
	return nil
}

// Close releases the RPC connection.
func (w *Wallet) Close() error {
	if w.backend != nil {
		w.backend.Close()
	}
	return nil
}
