// Package subscription implements the tiered NFT subscription book.
//
// The book is the authoritative state machine behind tierpass:
//  1. The owner registers priced tiers (addTier, changeTierPrice, enableTier)
//  2. A buyer mints a token against an enabled tier, paying price x months
//     less the duration discount
//  3. The holder extends the token while it is still live
//  4. The owner withdraws accumulated payments from the treasury
//
// Every mutating operation takes an explicit Call (caller, attached value,
// current time), validates all preconditions before touching state and
// returns a Change carrying the resulting entities and emitted events.
// Nothing is applied until the caller hands the Change back to Apply, which
// lets the service persist first and publish second.
package subscription

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// MonthUnit is one billing month (30-day convention).
	MonthUnit = 30 * 24 * time.Hour

	// MonthSeconds is MonthUnit in whole seconds, as stored on tokens.
	MonthSeconds = int64(MonthUnit / time.Second)

	// MinMonths and MaxMonths bound the duration of a mint or extend.
	MinMonths = 1
	MaxMonths = 12
)

// Revert is a named, non-retryable rejection of a single call. The reason
// string matches the revert reason of the on-chain contract.
type Revert struct {
	Reason string
}

func (r *Revert) Error() string { return "reverted: " + r.Reason }

var (
	ErrUnauthorized            = &Revert{Reason: "UNAUTHORIZED"}
	ErrZeroPrice               = &Revert{Reason: "ZeroPrice()"}
	ErrInvalidTier             = &Revert{Reason: "InvalidTier()"}
	ErrTierDisabled            = &Revert{Reason: "TierDisabled()"}
	ErrInvalidDuration         = &Revert{Reason: "InvalidDuration()"}
	ErrInsufficientFunds       = &Revert{Reason: "InsufficientFunds()"}
	ErrInvalidSubscriptionPlan = &Revert{Reason: "InvalidSubscriptionPlan()"}
	ErrSubscriptionExpired     = &Revert{Reason: "SubscriptionExpired()"}
	ErrAddressZero             = &Revert{Reason: "AddressZero()"}
	ErrEthWithdrawalFailed     = &Revert{Reason: "EthWithdrawalFailed()"}
	ErrNotTokenOwner           = &Revert{Reason: "NotTokenOwner()"}
)

// reverts indexes the sentinels by reason for decoding stored or remote reasons.
var reverts = map[string]*Revert{}

func init() {
	for _, r := range []*Revert{
		ErrUnauthorized, ErrZeroPrice, ErrInvalidTier, ErrTierDisabled,
		ErrInvalidDuration, ErrInsufficientFunds, ErrInvalidSubscriptionPlan,
		ErrSubscriptionExpired, ErrAddressZero, ErrEthWithdrawalFailed,
		ErrNotTokenOwner,
	} {
		reverts[r.Reason] = r
	}
}

// RevertFromReason returns the sentinel for a reason string, or nil.
func RevertFromReason(reason string) *Revert {
	return reverts[reason]
}

// ReasonOf returns the revert reason carried by err, or "" if err is not a revert.
func ReasonOf(err error) string {
	var r *Revert
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// TierName is a fixed-width 32-byte label, right-padded with zero bytes.
type TierName [32]byte

// ParseTierName encodes s the way formatBytes32String does: at most 31
// bytes so the value stays null-terminated.
func ParseTierName(s string) (TierName, error) {
	var n TierName
	if len(s) > 31 {
		return n, fmt.Errorf("tier name %q longer than 31 bytes", s)
	}
	copy(n[:], s)
	return n, nil
}

// MustTierName is ParseTierName for constants; it panics on bad input.
func MustTierName(s string) TierName {
	n, err := ParseTierName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// TierNameFromHex decodes a 0x-prefixed 32-byte hex value.
func TierNameFromHex(s string) (TierName, error) {
	var n TierName
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return n, fmt.Errorf("tier name: %w", err)
	}
	if len(raw) != len(n) {
		return n, fmt.Errorf("tier name must be 32 bytes, got %d", len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

func (n TierName) String() string {
	return strings.TrimRight(string(n[:]), "\x00")
}

// Hex returns the 0x-prefixed bytes32 encoding.
func (n TierName) Hex() string {
	return "0x" + hex.EncodeToString(n[:])
}

func (n TierName) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON accepts either a plain label or a 0x-prefixed bytes32 hex value.
func (n *TierName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var (
		parsed TierName
		err    error
	)
	if len(s) == 66 && strings.HasPrefix(s, "0x") {
		parsed, err = TierNameFromHex(s)
	} else {
		parsed, err = ParseTierName(s)
	}
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Tier is a named subscription plan.
type Tier struct {
	ID      uint64
	Name    TierName
	Price   *big.Int // wei per month
	Enabled bool
}

func (t *Tier) clone() *Tier {
	cp := *t
	cp.Price = new(big.Int).Set(t.Price)
	return &cp
}

// Subscription is the record behind one token.
type Subscription struct {
	TokenID     uint64
	TierID      uint64
	StartedTime int64 // unix seconds
	ExpiredTime int64 // unix seconds
	Owner       common.Address
}

// Live reports whether the token may still be extended at now.
func (s *Subscription) Live(now time.Time) bool {
	return now.Unix() <= s.ExpiredTime
}

// ExpiresAt returns ExpiredTime as a time.
func (s *Subscription) ExpiresAt() time.Time {
	return time.Unix(s.ExpiredTime, 0).UTC()
}

// Call is the execution context of one operation.
type Call struct {
	Caller common.Address
	Value  *big.Int // attached payment in wei; nil means zero
	Now    time.Time
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}
