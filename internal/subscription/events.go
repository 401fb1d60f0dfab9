package subscription

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a domain event emitted by a book operation.
type Event interface {
	EventName() string
	// Args renders the event arguments in declaration order.
	Args() []Arg
}

// Arg is one rendered event argument. Amounts and times are decimal strings,
// addresses are checksummed hex.
type Arg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type AddTierEvent struct {
	TierID uint64
	Name   TierName
	Price  *big.Int
}

func (AddTierEvent) EventName() string { return "AddTier" }
func (e AddTierEvent) Args() []Arg {
	return []Arg{{"id", u64(e.TierID)}, {"name", e.Name.String()}, {"price", e.Price.String()}}
}

type ChangeTierPriceEvent struct {
	TierID   uint64
	OldPrice *big.Int
	NewPrice *big.Int
}

func (ChangeTierPriceEvent) EventName() string { return "ChangeTierPrice" }
func (e ChangeTierPriceEvent) Args() []Arg {
	return []Arg{{"id", u64(e.TierID)}, {"oldPrice", e.OldPrice.String()}, {"newPrice", e.NewPrice.String()}}
}

type EnableTierEvent struct {
	TierID  uint64
	Enabled bool
}

func (EnableTierEvent) EventName() string { return "EnableTier" }
func (e EnableTierEvent) Args() []Arg {
	return []Arg{{"id", u64(e.TierID)}, {"enabled", strconv.FormatBool(e.Enabled)}}
}

type MintEvent struct {
	TokenID     uint64
	TierID      uint64
	PaidAmount  *big.Int
	StartedTime int64
	ExpiredTime int64
	Owner       common.Address
}

func (MintEvent) EventName() string { return "Mint" }
func (e MintEvent) Args() []Arg {
	return []Arg{
		{"tokenId", u64(e.TokenID)},
		{"tierId", u64(e.TierID)},
		{"paidAmount", e.PaidAmount.String()},
		{"startedTime", i64(e.StartedTime)},
		{"expiredTime", i64(e.ExpiredTime)},
		{"owner", e.Owner.Hex()},
	}
}

type ExtendEvent struct {
	TokenID        uint64
	PaidAmount     *big.Int
	OldExpiredTime int64
	NewExpiredTime int64
}

func (ExtendEvent) EventName() string { return "Extend" }
func (e ExtendEvent) Args() []Arg {
	return []Arg{
		{"tokenId", u64(e.TokenID)},
		{"paidAmount", e.PaidAmount.String()},
		{"oldExpiredTime", i64(e.OldExpiredTime)},
		{"newExpiredTime", i64(e.NewExpiredTime)},
	}
}

type EthWithdrawEvent struct {
	Recipient common.Address
	Amount    *big.Int
}

func (EthWithdrawEvent) EventName() string { return "EthWithdraw" }
func (e EthWithdrawEvent) Args() []Arg {
	return []Arg{{"recipient", e.Recipient.Hex()}, {"amount", e.Amount.String()}}
}

type OwnershipTransferredEvent struct {
	PreviousOwner common.Address
	NewOwner      common.Address
}

func (OwnershipTransferredEvent) EventName() string { return "OwnershipTransferred" }
func (e OwnershipTransferredEvent) Args() []Arg {
	return []Arg{{"previousOwner", e.PreviousOwner.Hex()}, {"newOwner", e.NewOwner.Hex()}}
}

type TransferEvent struct {
	From    common.Address
	To      common.Address
	TokenID uint64
}

func (TransferEvent) EventName() string { return "Transfer" }
func (e TransferEvent) Args() []Arg {
	return []Arg{{"from", e.From.Hex()}, {"to", e.To.Hex()}, {"tokenId", u64(e.TokenID)}}
}

// Record is a persisted event: the rendered event plus the commit that
// produced it.
type Record struct {
	Seq       uint64    `json:"seq"`
	Index     int       `json:"index"`
	Name      string    `json:"event"`
	Args      []Arg     `json:"args"`
	Caller    string    `json:"caller"`
	TxRef     string    `json:"txRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Arg returns the named argument value, or "".
func (r *Record) Arg(name string) string {
	for _, a := range r.Args {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
func i64(v int64) string  { return strconv.FormatInt(v, 10) }
