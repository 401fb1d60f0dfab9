package realtime

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tierpass/internal/subscription"
)

// Filter is what a client sends to narrow its stream. Empty fields match
// everything, so the zero Filter receives every record.
type Filter struct {
	Events    []string `json:"events"`    // e.g. "Mint", "Extend", "Lapsed"
	Addresses []string `json:"addresses"` // caller, holder, sender or recipient
	Tokens    []uint64 `json:"tokens"`
	MinAmount string   `json:"minAmount"` // wei, compared to paid and withdrawn amounts
}

// addressArgs name the record arguments that carry an account.
var addressArgs = []string{"owner", "from", "to", "recipient", "previousOwner", "newOwner"}

// amountArgs name the record arguments MinAmount applies to.
var amountArgs = []string{"paidAmount", "amount"}

type matcher struct {
	events    map[string]bool
	addresses map[common.Address]bool
	tokens    map[string]bool
	floor     *big.Int
}

func (f Filter) compile() (*matcher, error) {
	m := &matcher{}
	if len(f.Events) > 0 {
		m.events = make(map[string]bool, len(f.Events))
		for _, e := range f.Events {
			m.events[strings.ToLower(e)] = true
		}
	}
	if len(f.Addresses) > 0 {
		m.addresses = make(map[common.Address]bool, len(f.Addresses))
		for _, a := range f.Addresses {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("invalid address %q", a)
			}
			m.addresses[common.HexToAddress(a)] = true
		}
	}
	if len(f.Tokens) > 0 {
		m.tokens = make(map[string]bool, len(f.Tokens))
		for _, id := range f.Tokens {
			m.tokens[fmt.Sprint(id)] = true
		}
	}
	if f.MinAmount != "" {
		floor, ok := new(big.Int).SetString(f.MinAmount, 10)
		if !ok || floor.Sign() < 0 {
			return nil, fmt.Errorf("invalid minAmount %q", f.MinAmount)
		}
		m.floor = floor
	}
	return m, nil
}

func (m *matcher) match(r *subscription.Record) bool {
	if m.events != nil && !m.events[strings.ToLower(r.Name)] {
		return false
	}
	if m.addresses != nil && !m.touches(r) {
		return false
	}
	if m.tokens != nil && !m.tokens[r.Arg("tokenId")] {
		return false
	}
	if m.floor != nil {
		for _, name := range amountArgs {
			v, ok := new(big.Int).SetString(r.Arg(name), 10)
			if ok && v.Cmp(m.floor) < 0 {
				return false
			}
		}
	}
	return true
}

// touches reports whether any watched address took part in r.
func (m *matcher) touches(r *subscription.Record) bool {
	if common.IsHexAddress(r.Caller) && m.addresses[common.HexToAddress(r.Caller)] {
		return true
	}
	for _, name := range addressArgs {
		if v := r.Arg(name); common.IsHexAddress(v) && m.addresses[common.HexToAddress(v)] {
			return true
		}
	}
	return false
}
