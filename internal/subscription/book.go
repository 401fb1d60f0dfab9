package subscription

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Operation names, as recorded on commits and in metrics.
const (
	OpAddTier           = "addTier"
	OpChangeTierPrice   = "changeTierPrice"
	OpEnableTier        = "enableTier"
	OpMint              = "mint"
	OpExtend            = "extend"
	OpTransferFrom      = "transferFrom"
	OpWithdrawEth       = "withdrawEth"
	OpTransferOwnership = "transferOwnership"
)

var (
	ErrStaleChange     = errors.New("subscription: change does not follow current state")
	ErrInvalidSnapshot = errors.New("subscription: invalid snapshot")
)

// Params are fixed at deployment.
type Params struct {
	Owner           common.Address
	RoyaltyReceiver common.Address
	BaseTokenURI    string
	Schedule        DiscountSchedule
}

// Withdrawal is the payout requested by a withdrawEth change.
type Withdrawal struct {
	Recipient common.Address
	Amount    *big.Int
}

// Change is the validated outcome of one operation. It carries the full new
// value of every entity the operation touched.
type Change struct {
	Op            string
	Seq           uint64
	Call          Call
	Tiers         []*Tier
	Subscriptions []*Subscription
	Owner         common.Address // owner after the change
	Balance       *big.Int       // treasury balance after the change
	Withdrawal    *Withdrawal
	Events        []Event

	// PaymentRef and TxRef are filled in by the service: the on-chain
	// payment backing a payable call and the payout transaction of a
	// withdrawal.
	PaymentRef string
	TxRef      string
}

// Snapshot is the persisted state of a book.
type Snapshot struct {
	Seq           uint64
	Owner         common.Address
	Tiers         []*Tier
	Subscriptions []*Subscription
	Balance       *big.Int
}

// Book is the tier registry, subscription ledger and treasury. A Book is not
// safe for concurrent use; the Service serializes access.
type Book struct {
	params  Params
	seq     uint64
	owner   common.Address
	tiers   []*Tier         // tiers[i].ID == i+1
	subs    []*Subscription // subs[i].TokenID == i+1
	balance *big.Int
}

// NewBook returns an empty book owned by params.Owner.
func NewBook(params Params) *Book {
	return &Book{
		params:  params,
		owner:   params.Owner,
		balance: new(big.Int),
	}
}

// Restore rebuilds a book from a snapshot. A nil snapshot yields NewBook.
func Restore(params Params, snap *Snapshot) (*Book, error) {
	b := NewBook(params)
	if snap == nil {
		return b, nil
	}
	for i, t := range snap.Tiers {
		if t.ID != uint64(i+1) {
			return nil, fmt.Errorf("%w: tier %d at position %d", ErrInvalidSnapshot, t.ID, i+1)
		}
		if t.Price == nil || t.Price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: tier %d has no price", ErrInvalidSnapshot, t.ID)
		}
		b.tiers = append(b.tiers, t.clone())
	}
	for i, s := range snap.Subscriptions {
		if s.TokenID != uint64(i+1) {
			return nil, fmt.Errorf("%w: token %d at position %d", ErrInvalidSnapshot, s.TokenID, i+1)
		}
		if s.TierID == 0 || s.TierID > uint64(len(b.tiers)) {
			return nil, fmt.Errorf("%w: token %d references tier %d", ErrInvalidSnapshot, s.TokenID, s.TierID)
		}
		cp := *s
		b.subs = append(b.subs, &cp)
	}
	if snap.Balance != nil {
		if snap.Balance.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative balance", ErrInvalidSnapshot)
		}
		b.balance.Set(snap.Balance)
	}
	b.seq = snap.Seq
	b.owner = snap.Owner
	return b, nil
}

// Snapshot returns a deep copy of the current state.
func (b *Book) Snapshot() *Snapshot {
	snap := &Snapshot{
		Seq:     b.seq,
		Owner:   b.owner,
		Balance: new(big.Int).Set(b.balance),
	}
	for _, t := range b.tiers {
		snap.Tiers = append(snap.Tiers, t.clone())
	}
	for _, s := range b.subs {
		cp := *s
		snap.Subscriptions = append(snap.Subscriptions, &cp)
	}
	return snap
}

// Apply installs a change produced by one of the operation methods against
// the book's current state.
func (b *Book) Apply(c *Change) error {
	if c.Seq != b.seq+1 {
		return fmt.Errorf("%w: seq %d, book at %d", ErrStaleChange, c.Seq, b.seq)
	}
	for _, t := range c.Tiers {
		switch {
		case t.ID == uint64(len(b.tiers)+1):
			b.tiers = append(b.tiers, t.clone())
		case t.ID >= 1 && t.ID <= uint64(len(b.tiers)):
			b.tiers[t.ID-1] = t.clone()
		default:
			return fmt.Errorf("%w: tier %d", ErrStaleChange, t.ID)
		}
	}
	for _, s := range c.Subscriptions {
		cp := *s
		switch {
		case s.TokenID == uint64(len(b.subs)+1):
			b.subs = append(b.subs, &cp)
		case s.TokenID >= 1 && s.TokenID <= uint64(len(b.subs)):
			b.subs[s.TokenID-1] = &cp
		default:
			return fmt.Errorf("%w: token %d", ErrStaleChange, s.TokenID)
		}
	}
	b.owner = c.Owner
	b.balance = new(big.Int).Set(c.Balance)
	b.seq = c.Seq
	return nil
}

func (b *Book) change(op string, call Call) *Change {
	return &Change{
		Op:      op,
		Seq:     b.seq + 1,
		Call:    call,
		Owner:   b.owner,
		Balance: new(big.Int).Set(b.balance),
	}
}

func (b *Book) onlyOwner(call Call) error {
	if call.Caller != b.owner {
		return ErrUnauthorized
	}
	return nil
}

func (b *Book) tier(id uint64) (*Tier, bool) {
	if id == 0 || id > uint64(len(b.tiers)) {
		return nil, false
	}
	return b.tiers[id-1], true
}

func (b *Book) sub(tokenID uint64) (*Subscription, bool) {
	if tokenID == 0 || tokenID > uint64(len(b.subs)) {
		return nil, false
	}
	return b.subs[tokenID-1], true
}

// AddTier registers a new enabled tier with the next sequential id.
func (b *Book) AddTier(call Call, name TierName, price *big.Int) (*Change, error) {
	if err := b.onlyOwner(call); err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	t := &Tier{
		ID:      uint64(len(b.tiers) + 1),
		Name:    name,
		Price:   new(big.Int).Set(price),
		Enabled: true,
	}
	c := b.change(OpAddTier, call)
	c.Tiers = []*Tier{t}
	c.Events = []Event{AddTierEvent{TierID: t.ID, Name: t.Name, Price: new(big.Int).Set(price)}}
	return c, nil
}

// ChangeTierPrice replaces a tier's monthly price.
func (b *Book) ChangeTierPrice(call Call, tierID uint64, price *big.Int) (*Change, error) {
	if err := b.onlyOwner(call); err != nil {
		return nil, err
	}
	cur, ok := b.tier(tierID)
	if !ok {
		return nil, ErrInvalidTier
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	t := cur.clone()
	t.Price = new(big.Int).Set(price)
	c := b.change(OpChangeTierPrice, call)
	c.Tiers = []*Tier{t}
	c.Events = []Event{ChangeTierPriceEvent{
		TierID:   tierID,
		OldPrice: new(big.Int).Set(cur.Price),
		NewPrice: new(big.Int).Set(price),
	}}
	return c, nil
}

// EnableTier sets a tier's enabled flag. Setting the current value is not an
// error and still emits EnableTier.
func (b *Book) EnableTier(call Call, tierID uint64, enabled bool) (*Change, error) {
	if err := b.onlyOwner(call); err != nil {
		return nil, err
	}
	cur, ok := b.tier(tierID)
	if !ok {
		return nil, ErrInvalidTier
	}
	t := cur.clone()
	t.Enabled = enabled
	c := b.change(OpEnableTier, call)
	c.Tiers = []*Tier{t}
	c.Events = []Event{EnableTierEvent{TierID: tierID, Enabled: enabled}}
	return c, nil
}

// Mint issues the next token on tierID to the caller for months months. The
// whole attached value is credited to the treasury.
func (b *Book) Mint(call Call, tierID uint64, months int) (*Change, error) {
	t, ok := b.tier(tierID)
	if !ok {
		return nil, ErrInvalidTier
	}
	if !t.Enabled {
		return nil, ErrTierDisabled
	}
	if !validMonths(months) {
		return nil, ErrInvalidDuration
	}
	paid := call.value()
	if paid.Cmp(b.params.Schedule.Required(t.Price, months)) < 0 {
		return nil, ErrInsufficientFunds
	}

	started := call.Now.Unix()
	s := &Subscription{
		TokenID:     uint64(len(b.subs) + 1),
		TierID:      tierID,
		StartedTime: started,
		ExpiredTime: started + int64(months)*MonthSeconds,
		Owner:       call.Caller,
	}
	c := b.change(OpMint, call)
	c.Subscriptions = []*Subscription{s}
	c.Balance = new(big.Int).Add(b.balance, paid)
	c.Events = []Event{
		TransferEvent{From: common.Address{}, To: call.Caller, TokenID: s.TokenID},
		MintEvent{
			TokenID:     s.TokenID,
			TierID:      tierID,
			PaidAmount:  new(big.Int).Set(paid),
			StartedTime: s.StartedTime,
			ExpiredTime: s.ExpiredTime,
			Owner:       call.Caller,
		},
	}
	return c, nil
}

// Extend pushes a live token's expiry out by months months at the tier's
// current price. Anyone may pay to extend a token.
func (b *Book) Extend(call Call, tokenID uint64, months int) (*Change, error) {
	cur, ok := b.sub(tokenID)
	if !ok {
		return nil, ErrInvalidSubscriptionPlan
	}
	t, _ := b.tier(cur.TierID)
	if !t.Enabled {
		return nil, ErrTierDisabled
	}
	if !cur.Live(call.Now) {
		return nil, ErrSubscriptionExpired
	}
	if !validMonths(months) {
		return nil, ErrInvalidDuration
	}
	paid := call.value()
	if paid.Cmp(b.params.Schedule.Required(t.Price, months)) < 0 {
		return nil, ErrInsufficientFunds
	}

	s := *cur
	s.ExpiredTime = cur.ExpiredTime + int64(months)*MonthSeconds
	c := b.change(OpExtend, call)
	c.Subscriptions = []*Subscription{&s}
	c.Balance = new(big.Int).Add(b.balance, paid)
	c.Events = []Event{ExtendEvent{
		TokenID:        tokenID,
		PaidAmount:     new(big.Int).Set(paid),
		OldExpiredTime: cur.ExpiredTime,
		NewExpiredTime: s.ExpiredTime,
	}}
	return c, nil
}

// TransferFrom moves a token between holders. The caller must be from and
// must hold the token.
func (b *Book) TransferFrom(call Call, from, to common.Address, tokenID uint64) (*Change, error) {
	cur, ok := b.sub(tokenID)
	if !ok {
		return nil, ErrInvalidSubscriptionPlan
	}
	if call.Caller != from || cur.Owner != from {
		return nil, ErrNotTokenOwner
	}
	if to == (common.Address{}) {
		return nil, ErrAddressZero
	}
	s := *cur
	s.Owner = to
	c := b.change(OpTransferFrom, call)
	c.Subscriptions = []*Subscription{&s}
	c.Events = []Event{TransferEvent{From: from, To: to, TokenID: tokenID}}
	return c, nil
}

// WithdrawEth debits amount from the treasury for payment to recipient. The
// native transfer itself is the caller's concern; a failed transfer must
// discard the change.
func (b *Book) WithdrawEth(call Call, recipient common.Address, amount *big.Int) (*Change, error) {
	if err := b.onlyOwner(call); err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		return nil, ErrAddressZero
	}
	if amount == nil || amount.Sign() < 0 || amount.Cmp(b.balance) > 0 {
		return nil, ErrEthWithdrawalFailed
	}
	c := b.change(OpWithdrawEth, call)
	c.Balance = new(big.Int).Sub(b.balance, amount)
	c.Withdrawal = &Withdrawal{Recipient: recipient, Amount: new(big.Int).Set(amount)}
	c.Events = []Event{EthWithdrawEvent{Recipient: recipient, Amount: new(big.Int).Set(amount)}}
	return c, nil
}

// TransferOwnership hands the owner role to newOwner. Transferring to the
// zero address renounces ownership for good.
func (b *Book) TransferOwnership(call Call, newOwner common.Address) (*Change, error) {
	if err := b.onlyOwner(call); err != nil {
		return nil, err
	}
	c := b.change(OpTransferOwnership, call)
	c.Owner = newOwner
	c.Events = []Event{OwnershipTransferredEvent{PreviousOwner: b.owner, NewOwner: newOwner}}
	return c, nil
}

// Reads. Returned values are copies.

// Seq is the number of changes applied so far.
func (b *Book) Seq() uint64 { return b.seq }

func (b *Book) Owner() common.Address { return b.owner }

func (b *Book) Params() Params { return b.params }

// Balance is the treasury balance in wei.
func (b *Book) Balance() *big.Int { return new(big.Int).Set(b.balance) }

// Tier returns tier id, or ok=false for an id never issued.
func (b *Book) Tier(id uint64) (*Tier, bool) {
	t, ok := b.tier(id)
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tiers returns every tier in id order.
func (b *Book) Tiers() []*Tier {
	out := make([]*Tier, len(b.tiers))
	for i, t := range b.tiers {
		out[i] = t.clone()
	}
	return out
}

// TierCount is the id of the most recent tier.
func (b *Book) TierCount() uint64 { return uint64(len(b.tiers)) }

// Subscription returns the record for tokenID, or ok=false for an unminted id.
func (b *Book) Subscription(tokenID uint64) (*Subscription, bool) {
	s, ok := b.sub(tokenID)
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// TotalSupply is the number of minted tokens.
func (b *Book) TotalSupply() uint64 { return uint64(len(b.subs)) }

// OwnerOf returns the holder of tokenID.
func (b *Book) OwnerOf(tokenID uint64) (common.Address, error) {
	s, ok := b.sub(tokenID)
	if !ok {
		return common.Address{}, ErrInvalidSubscriptionPlan
	}
	return s.Owner, nil
}

// BalanceOf counts the tokens held by holder.
func (b *Book) BalanceOf(holder common.Address) uint64 {
	var n uint64
	for _, s := range b.subs {
		if s.Owner == holder {
			n++
		}
	}
	return n
}

// HeldBy returns holder's tokens in token id order.
func (b *Book) HeldBy(holder common.Address) []*Subscription {
	var out []*Subscription
	for _, s := range b.subs {
		if s.Owner == holder {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// TokenURI is the base token URI followed by the decimal token id.
func (b *Book) TokenURI(tokenID uint64) (string, error) {
	if _, ok := b.sub(tokenID); !ok {
		return "", ErrInvalidSubscriptionPlan
	}
	return b.params.BaseTokenURI + strconv.FormatUint(tokenID, 10), nil
}

// Quote returns the payment required to mint or extend on tierID for months.
func (b *Book) Quote(tierID uint64, months int) (*big.Int, error) {
	t, ok := b.tier(tierID)
	if !ok {
		return nil, ErrInvalidTier
	}
	if !validMonths(months) {
		return nil, ErrInvalidDuration
	}
	return b.params.Schedule.Required(t.Price, months), nil
}

// IsActive reports whether tokenID is live at the given unix time.
func (b *Book) IsActive(tokenID uint64, at int64) bool {
	s, ok := b.sub(tokenID)
	return ok && at <= s.ExpiredTime
}

// ExpiredBetween returns tokens whose expiry falls in (after, upTo].
func (b *Book) ExpiredBetween(after, upTo int64) []*Subscription {
	var out []*Subscription
	for _, s := range b.subs {
		if s.ExpiredTime > after && s.ExpiredTime <= upTo {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveCount counts tokens live at the given unix time.
func (b *Book) ActiveCount(at int64) int {
	n := 0
	for _, s := range b.subs {
		if at <= s.ExpiredTime {
			n++
		}
	}
	return n
}
