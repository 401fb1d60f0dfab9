// Package chain talks to the deployed Subscription contract: it sends the
// owner and holder transactions the admin scripts used to send, reads
// contract state, and decodes contract logs into book events.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/tierpass/internal/retry"
	"github.com/mbd888/tierpass/internal/subscription"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrNoSigner          = errors.New("chain: no signing key configured")
	ErrNoContract        = errors.New("chain: no contract address configured")
	ErrNoBytecode        = errors.New("chain: empty contract bytecode")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrUnknownEvent      = errors.New("chain: unknown contract event")
	ErrTxFailed          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: timed out waiting for receipt")
)

// Backend is the subset of ethclient.Client the contract client needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config for the contract client.
type Config struct {
	RPCURL     string
	ChainID    int64
	Contract   string // empty only for a client that deploys
	PrivateKey string // optional; reads work without it
}

// Option configures the client.
type Option func(*Client)

// WithBackend sets a custom backend (useful for testing).
func WithBackend(b Backend) Option {
	return func(c *Client) {
		c.backend = b
	}
}

// WithReadRetry sets how view calls are retried on transport errors.
// Contract reverts are never retried.
func WithReadRetry(p retry.Policy) Option {
	return func(c *Client) {
		c.readPolicy = p
	}
}

// Client is a typed handle on one deployed contract.
type Client struct {
	backend    Backend
	contract   common.Address
	chainID    *big.Int
	key        *ecdsa.PrivateKey
	from       common.Address
	readPolicy retry.Policy
}

// New creates a contract client, dialing RPCURL unless a backend is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Contract != "" && !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.Contract)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}
	c := &Client{
		contract:   common.HexToAddress(cfg.Contract),
		chainID:    big.NewInt(cfg.ChainID),
		readPolicy: retry.Policy{Attempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.backend = client
	}
	return c, nil
}

// Contract returns the contract address.
func (c *Client) Contract() common.Address { return c.contract }

// From returns the signing address, zero when read-only.
func (c *Client) From() common.Address { return c.from }

// Close releases the backend connection.
func (c *Client) Close() {
	c.backend.Close()
}

// Deploy creates a Subscription contract from its compiled creation
// bytecode and constructor arguments. The returned address is derived from
// the signer's nonce; the contract exists once the transaction is mined.
func (c *Client) Deploy(ctx context.Context, bytecode []byte, owner, royaltyReceiver common.Address, baseURI string) (common.Address, common.Hash, error) {
	if c.key == nil {
		return common.Address{}, common.Hash{}, ErrNoSigner
	}
	if len(bytecode) == 0 {
		return common.Address{}, common.Hash{}, ErrNoBytecode
	}
	args, err := contractABI.Pack("", owner, royaltyReceiver, baseURI)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("pack constructor: %w", err)
	}
	data := append(append([]byte{}, bytecode...), args...)

	tx, err := c.send(ctx, "deploy", nil, new(big.Int), data)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	return crypto.CreateAddress(c.from, tx.Nonce()), tx.Hash(), nil
}

// AddTier registers a tier. Owner only.
func (c *Client) AddTier(ctx context.Context, name subscription.TierName, price *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "addTier", [32]byte(name), price)
}

// ChangeTierPrice reprices a tier. Owner only.
func (c *Client) ChangeTierPrice(ctx context.Context, tierID uint64, price *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "changeTierPrice", new(big.Int).SetUint64(tierID), price)
}

// EnableTier toggles whether a tier accepts new mints and extensions.
func (c *Client) EnableTier(ctx context.Context, tierID uint64, enabled bool) (common.Hash, error) {
	return c.transact(ctx, nil, "enableTier", new(big.Int).SetUint64(tierID), enabled)
}

// Mint buys a subscription token, attaching value wei.
func (c *Client) Mint(ctx context.Context, tierID uint64, months int, value *big.Int) (common.Hash, error) {
	return c.transact(ctx, value, "mint", new(big.Int).SetUint64(tierID), big.NewInt(int64(months)))
}

// Extend pushes a live token's expiry out, attaching value wei.
func (c *Client) Extend(ctx context.Context, tokenID uint64, months int, value *big.Int) (common.Hash, error) {
	return c.transact(ctx, value, "extend", new(big.Int).SetUint64(tokenID), big.NewInt(int64(months)))
}

// TransferFrom moves a token between holders.
func (c *Client) TransferFrom(ctx context.Context, from, to common.Address, tokenID uint64) (common.Hash, error) {
	return c.transact(ctx, nil, "transferFrom", from, to, new(big.Int).SetUint64(tokenID))
}

// WithdrawEth pays treasury funds out to recipient. Owner only.
func (c *Client) WithdrawEth(ctx context.Context, recipient common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, nil, "withdrawEth", recipient, amount)
}

// TransferOwnership hands the owner role to newOwner.
func (c *Client) TransferOwnership(ctx context.Context, newOwner common.Address) (common.Hash, error) {
	return c.transact(ctx, nil, "transferOwnership", newOwner)
}

// Owner reads the current owner.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// OwnerOf reads the holder of a token.
func (c *Client) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	out, err := c.call(ctx, "ownerOf", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// TokenURI reads the metadata URI of a token.
func (c *Client) TokenURI(ctx context.Context, tokenID uint64) (string, error) {
	out, err := c.call(ctx, "tokenURI", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return "", err
	}
	return out[0].(string), nil
}

// Tier reads a tier. Unknown ids come back with a zero price.
func (c *Client) Tier(ctx context.Context, tierID uint64) (*subscription.Tier, error) {
	out, err := c.call(ctx, "tiers", new(big.Int).SetUint64(tierID))
	if err != nil {
		return nil, err
	}
	return &subscription.Tier{
		ID:      tierID,
		Name:    subscription.TierName(out[0].([32]byte)),
		Price:   out[1].(*big.Int),
		Enabled: out[2].(bool),
	}, nil
}

// Subscription reads a token. Unknown ids come back with a zero owner.
func (c *Client) Subscription(ctx context.Context, tokenID uint64) (*subscription.Subscription, error) {
	out, err := c.call(ctx, "subscriptions", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return nil, err
	}
	return &subscription.Subscription{
		TokenID:     tokenID,
		TierID:      out[0].(*big.Int).Uint64(),
		StartedTime: out[1].(*big.Int).Int64(),
		ExpiredTime: out[2].(*big.Int).Int64(),
		Owner:       out[3].(common.Address),
	}, nil
}

// WaitMined polls until the transaction is mined or timeout passes.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex())
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if c.contract == (common.Address{}) {
		return nil, ErrNoContract
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var raw []byte
	err = retry.Do(ctx, c.readPolicy, func() error {
		var callErr error
		raw, callErr = c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data}, nil)
		if callErr == nil {
			return nil
		}
		callErr = asRevert(callErr)
		var rv *subscription.Revert
		if errors.As(callErr, &rv) {
			return retry.Permanent(callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// transact signs and sends a contract call. Gas estimation runs the call
// first, so contract reverts surface here as book reverts before anything
// is broadcast.
func (c *Client) transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	if c.contract == (common.Address{}) {
		return common.Hash{}, ErrNoContract
	}
	if value == nil {
		value = new(big.Int)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	tx, err := c.send(ctx, method, &c.contract, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// send signs and broadcasts an EIP-155 transaction. A nil to creates a
// contract.
func (c *Client) send(ctx context.Context, label string, to *common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, asRevert(err))
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("%s: nonce: %w", label, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas price: %w", label, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("%s: sign: %w", label, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%s: send: %w", label, err)
	}
	return signed, nil
}
