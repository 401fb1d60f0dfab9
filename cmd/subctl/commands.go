package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/tierpass/internal/config"
	"github.com/mbd888/tierpass/internal/subscription"
	"github.com/mbd888/tierpass/internal/wei"
)

// book is the part of chain.Client the commands drive.
type book interface {
	Deploy(ctx context.Context, bytecode []byte, owner, royaltyReceiver common.Address, baseURI string) (common.Address, common.Hash, error)
	AddTier(ctx context.Context, name subscription.TierName, price *big.Int) (common.Hash, error)
	ChangeTierPrice(ctx context.Context, tierID uint64, price *big.Int) (common.Hash, error)
	EnableTier(ctx context.Context, tierID uint64, enabled bool) (common.Hash, error)
	Mint(ctx context.Context, tierID uint64, months int, value *big.Int) (common.Hash, error)
	Extend(ctx context.Context, tokenID uint64, months int, value *big.Int) (common.Hash, error)
	TransferFrom(ctx context.Context, from, to common.Address, tokenID uint64) (common.Hash, error)
	WithdrawEth(ctx context.Context, recipient common.Address, amount *big.Int) (common.Hash, error)
	TransferOwnership(ctx context.Context, newOwner common.Address) (common.Hash, error)
	Owner(ctx context.Context) (common.Address, error)
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	TokenURI(ctx context.Context, tokenID uint64) (string, error)
	Tier(ctx context.Context, tierID uint64) (*subscription.Tier, error)
	Subscription(ctx context.Context, tokenID uint64) (*subscription.Subscription, error)
	WaitMined(ctx context.Context, hash common.Hash, timeout, poll time.Duration) (*types.Receipt, error)
	From() common.Address
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error
}

var commands []command

func init() {
	commands = []command{
		{"deploy", "Deploy the contract (-bytecode, -owner, -royalty, -base-uri)", cmdDeploy},
		{"add-tier", "Add a tier (-name, -price)", cmdAddTier},
		{"change-price", "Reprice a tier (-tier, -price)", cmdChangePrice},
		{"enable-tier", "Enable or disable a tier (-tier, -enabled)", cmdEnableTier},
		{"mint", "Buy a subscription (-tier, -months, -value)", cmdMint},
		{"extend", "Extend a subscription (-token, -months, -value)", cmdExtend},
		{"transfer", "Transfer a token (-token, -to, -from)", cmdTransfer},
		{"withdraw", "Withdraw contract balance (-to, -amount)", cmdWithdraw},
		{"transfer-ownership", "Hand the contract to a new owner (-to)", cmdTransferOwnership},
		{"owner", "Print the contract owner, or a token holder (-token)", cmdOwner},
		{"tier", "Print a tier (-tier)", cmdTier},
		{"subscription", "Print a subscription (-token)", cmdSubscription},
	}
}

var errUsage = errors.New("usage error")

// run dispatches args[0] to its command.
func run(ctx context.Context, b book, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	for _, c := range commands {
		if c.name == args[0] {
			fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			return c.run(ctx, b, fs, args[1:], out)
		}
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

// parseAmount reads wei, or ether when suffixed with "eth".
func parseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.HasSuffix(s, "eth") {
		v, ok := wei.ParseEther(strings.TrimSuffix(s, "eth"))
		if !ok {
			return nil, fmt.Errorf("invalid ether amount %q", s)
		}
		return v, nil
	}
	v, ok := wei.ParseWei(s)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

func parseAddress(flagName, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: -%s must be an address", errUsage, flagName)
	}
	return common.HexToAddress(s), nil
}

type txFlags struct {
	wait    *bool
	timeout *time.Duration
}

func addTxFlags(fs *flag.FlagSet) txFlags {
	return txFlags{
		wait:    fs.Bool("wait", false, "Wait for the transaction to be mined"),
		timeout: fs.Duration("wait-timeout", time.Minute, "How long -wait polls for a receipt"),
	}
}

// report prints the hash and, with -wait, the mined block.
func (f txFlags) report(ctx context.Context, b book, hash common.Hash, err error, out io.Writer) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tx %s\n", hash.Hex())
	if !*f.wait {
		return nil
	}
	receipt, err := b.WaitMined(ctx, hash, *f.timeout, 2*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "mined in block %s, gas used %d\n", receipt.BlockNumber, receipt.GasUsed)
	return nil
}

// readBytecode loads creation bytecode from a compiler artifact JSON
// ({"bytecode": "0x..."}) or a file holding only the hex.
func readBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	code := string(raw)
	if bytes.HasPrefix(raw, []byte("{")) {
		var artifact struct {
			Bytecode string `json:"bytecode"`
		}
		if err := json.Unmarshal(raw, &artifact); err != nil {
			return nil, fmt.Errorf("parse artifact %s: %w", path, err)
		}
		code = artifact.Bytecode
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	b, err := hexutil.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("bytecode in %s: %w", path, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("bytecode in %s is empty", path)
	}
	return b, nil
}

func cmdDeploy(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	path := fs.String("bytecode", "", "Compiled artifact JSON or hex file with the creation bytecode")
	owner := fs.String("owner", "", "Initial owner (defaults to the signing address)")
	royalty := fs.String("royalty", "", "Royalty receiver (defaults to the owner)")
	baseURI := fs.String("base-uri", envOr("BASE_TOKEN_URI", config.DefaultBaseTokenURI), "Base token URI")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *path == "" {
		return fmt.Errorf("%w: -bytecode is required", errUsage)
	}
	code, err := readBytecode(*path)
	if err != nil {
		return err
	}

	ownerAddr := b.From()
	if *owner != "" {
		if ownerAddr, err = parseAddress("owner", *owner); err != nil {
			return err
		}
	}
	receiver := ownerAddr
	if *royalty != "" {
		if receiver, err = parseAddress("royalty", *royalty); err != nil {
			return err
		}
	}

	addr, hash, err := b.Deploy(ctx, code, ownerAddr, receiver, *baseURI)
	if err == nil {
		fmt.Fprintf(out, "contract %s\n", addr.Hex())
	}
	return tx.report(ctx, b, hash, err, out)
}

func cmdAddTier(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	name := fs.String("name", "", "Tier name (at most 31 bytes)")
	price := fs.String("price", "", "Monthly price in wei, or ether with an eth suffix")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	tierName, err := subscription.ParseTierName(*name)
	if err != nil {
		return err
	}
	amount, err := parseAmount(*price)
	if err != nil {
		return err
	}
	hash, err := b.AddTier(ctx, tierName, amount)
	return tx.report(ctx, b, hash, err, out)
}

func cmdChangePrice(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	tier := fs.Uint64("tier", 0, "Tier id")
	price := fs.String("price", "", "New monthly price")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	amount, err := parseAmount(*price)
	if err != nil {
		return err
	}
	hash, err := b.ChangeTierPrice(ctx, *tier, amount)
	return tx.report(ctx, b, hash, err, out)
}

func cmdEnableTier(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	tier := fs.Uint64("tier", 0, "Tier id")
	enabled := fs.Bool("enabled", true, "Whether the tier can be bought")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	hash, err := b.EnableTier(ctx, *tier, *enabled)
	return tx.report(ctx, b, hash, err, out)
}

func cmdMint(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	tier := fs.Uint64("tier", 0, "Tier id")
	months := fs.Int("months", 1, "Number of months")
	value := fs.String("value", "", "Payment to send")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	amount, err := parseAmount(*value)
	if err != nil {
		return err
	}
	hash, err := b.Mint(ctx, *tier, *months, amount)
	return tx.report(ctx, b, hash, err, out)
}

func cmdExtend(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	token := fs.Uint64("token", 0, "Token id")
	months := fs.Int("months", 1, "Number of months")
	value := fs.String("value", "", "Payment to send")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	amount, err := parseAmount(*value)
	if err != nil {
		return err
	}
	hash, err := b.Extend(ctx, *token, *months, amount)
	return tx.report(ctx, b, hash, err, out)
}

func cmdTransfer(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	token := fs.Uint64("token", 0, "Token id")
	to := fs.String("to", "", "Recipient address")
	from := fs.String("from", "", "Current holder (defaults to the signing address)")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	recipient, err := parseAddress("to", *to)
	if err != nil {
		return err
	}
	sender := b.From()
	if *from != "" {
		if sender, err = parseAddress("from", *from); err != nil {
			return err
		}
	}
	hash, err := b.TransferFrom(ctx, sender, recipient, *token)
	return tx.report(ctx, b, hash, err, out)
}

func cmdWithdraw(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	to := fs.String("to", "", "Recipient address")
	amount := fs.String("amount", "", "Amount to withdraw")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	recipient, err := parseAddress("to", *to)
	if err != nil {
		return err
	}
	v, err := parseAmount(*amount)
	if err != nil {
		return err
	}
	hash, err := b.WithdrawEth(ctx, recipient, v)
	return tx.report(ctx, b, hash, err, out)
}

func cmdTransferOwnership(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	to := fs.String("to", "", "New owner address (the zero address renounces)")
	tx := addTxFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	newOwner, err := parseAddress("to", *to)
	if err != nil {
		return err
	}
	hash, err := b.TransferOwnership(ctx, newOwner)
	return tx.report(ctx, b, hash, err, out)
}

func cmdOwner(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	token := fs.Uint64("token", 0, "Print the holder of this token instead of the contract owner")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	var (
		owner common.Address
		err   error
	)
	if *token > 0 {
		owner, err = b.OwnerOf(ctx, *token)
	} else {
		owner, err = b.Owner(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, owner.Hex())
	return nil
}

func cmdTier(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	id := fs.Uint64("tier", 0, "Tier id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	t, err := b.Tier(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tier %d  name=%s  price=%s (%s ETH)  enabled=%t\n",
		t.ID, t.Name, t.Price, wei.FormatEther(t.Price), t.Enabled)
	return nil
}

func cmdSubscription(ctx context.Context, b book, fs *flag.FlagSet, args []string, out io.Writer) error {
	id := fs.Uint64("token", 0, "Token id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	s, err := b.Subscription(ctx, *id)
	if err != nil {
		return err
	}
	uri, err := b.TokenURI(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "token %d  tier=%d  owner=%s\n", s.TokenID, s.TierID, s.Owner.Hex())
	fmt.Fprintf(out, "started %s  expires %s\n",
		time.Unix(s.StartedTime, 0).UTC().Format(time.RFC3339),
		time.Unix(s.ExpiredTime, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "uri %s\n", uri)
	return nil
}
