package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/tierpass/internal/syncutil"
	"github.com/mbd888/tierpass/internal/traces"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrPaymentRequired   = errors.New("subscription: payable call needs a payment transaction hash")
	ErrPaymentUnverified = errors.New("subscription: payment could not be verified on chain")
)

const bookLockKey = "book"

// PaymentVerifier confirms that txHash moved at least amount wei from payer
// to the treasury.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, payer common.Address, amount *big.Int, txHash string) error
}

// Payout sends native ETH for a withdrawal and returns the transaction hash.
type Payout interface {
	Send(ctx context.Context, to common.Address, amount *big.Int) (string, error)
}

// Publisher receives committed event records. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, records []*Record)
}

// Payment is the value attached to a payable call.
type Payment struct {
	Value  *big.Int
	TxHash string
}

// Receipt describes a committed operation.
type Receipt struct {
	Seq          uint64
	Op           string
	Events       []Event
	Records      []*Record
	Tier         *Tier
	Subscription *Subscription
	TxRef        string
}

// Service runs book operations one at a time, persisting each change
// before it becomes visible.
type Service struct {
	store      Store
	params     Params
	locks      *syncutil.KeyedMutex
	mu         sync.RWMutex // guards book
	book       *Book
	clock      func() time.Time
	verifier   PaymentVerifier
	payout     Payout
	publishers []Publisher
	logger     *slog.Logger
}

// NewService restores the book from store.
func NewService(ctx context.Context, store Store, params Params) (*Service, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	book, err := Restore(params, snap)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:  store,
		params: params,
		locks:  syncutil.NewKeyedMutex(),
		book:   book,
		clock:  time.Now,
		logger: slog.Default(),
	}
	treasuryBalance.Set(weiToEther(book.Balance()))
	return s, nil
}

// WithClock replaces the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithPaymentVerifier requires payable calls to reference a confirmed payment.
func (s *Service) WithPaymentVerifier(v PaymentVerifier) *Service {
	s.verifier = v
	return s
}

// WithPayout sends withdrawals on chain. Without one, withdrawals only debit
// the book.
func (s *Service) WithPayout(p Payout) *Service {
	s.payout = p
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.publishers = append(s.publishers, p)
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) AddTier(ctx context.Context, caller common.Address, name TierName, price *big.Int) (*Receipt, error) {
	return s.execute(ctx, OpAddTier, caller, Payment{}, func(b *Book, call Call) (*Change, error) {
		return b.AddTier(call, name, price)
	})
}

func (s *Service) ChangeTierPrice(ctx context.Context, caller common.Address, tierID uint64, price *big.Int) (*Receipt, error) {
	return s.execute(ctx, OpChangeTierPrice, caller, Payment{}, func(b *Book, call Call) (*Change, error) {
		return b.ChangeTierPrice(call, tierID, price)
	})
}

func (s *Service) EnableTier(ctx context.Context, caller common.Address, tierID uint64, enabled bool) (*Receipt, error) {
	return s.execute(ctx, OpEnableTier, caller, Payment{}, func(b *Book, call Call) (*Change, error) {
		return b.EnableTier(call, tierID, enabled)
	})
}

func (s *Service) Mint(ctx context.Context, caller common.Address, tierID uint64, months int, pay Payment) (*Receipt, error) {
	return s.execute(ctx, OpMint, caller, pay, func(b *Book, call Call) (*Change, error) {
		return b.Mint(call, tierID, months)
	})
}

func (s *Service) Extend(ctx context.Context, caller common.Address, tokenID uint64, months int, pay Payment) (*Receipt, error) {
	return s.execute(ctx, OpExtend, caller, pay, func(b *Book, call Call) (*Change, error) {
		return b.Extend(call, tokenID, months)
	})
}

func (s *Service) TransferFrom(ctx context.Context, caller, from, to common.Address, tokenID uint64) (*Receipt, error) {
	return s.execute(ctx, OpTransferFrom, caller, Payment{}, func(b *Book, call Call) (*Change, error) {
		return b.TransferFrom(call, from, to, tokenID)
	})
}

func (s *Service) WithdrawEth(ctx context.Context, caller, recipient common.Address, amount *big.Int) (*Receipt, error) {
	return s.execute(ctx, OpWithdrawEth, caller, Payment{}, func(b *Book, call Call) (*Change, error) {
		return b.WithdrawEth(call, recipient, amount)
	})
}

func (s *Service) TransferOwnership(ctx context.Context, caller, newOwner common.Address) (*Receipt, error) {
	return s.execute(ctx, OpTransferOwnership, caller, Payment{}, func(b *Book, call Call) (*Change, error) {
		return b.TransferOwnership(call, newOwner)
	})
}

type prepareFunc func(b *Book, call Call) (*Change, error)

func (s *Service) execute(ctx context.Context, op string, caller common.Address, pay Payment, prepare prepareFunc) (_ *Receipt, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription."+op, traces.Caller(caller.Hex()))
	if pay.Value != nil {
		span.SetAttributes(traces.Amount(pay.Value.String()))
	}
	if pay.TxHash != "" {
		span.SetAttributes(traces.TxHash(pay.TxHash))
	}
	start := time.Now()
	defer func() {
		result := "ok"
		if retErr != nil {
			result = ReasonOf(retErr)
			if result == "" {
				result = "error"
			}
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		operationsTotal.WithLabelValues(op, result).Inc()
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}()

	unlock, err := s.locks.LockContext(ctx, bookLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	call := Call{Caller: caller, Value: pay.Value, Now: s.clock()}

	s.mu.RLock()
	c, err := prepare(s.book, call)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := s.verifyPayment(ctx, call, pay); err != nil {
		return nil, err
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		c.PaymentRef = pay.TxHash
	}

	if c.Withdrawal != nil && s.payout != nil && c.Withdrawal.Amount.Sign() > 0 {
		txHash, err := s.payout.Send(ctx, c.Withdrawal.Recipient, c.Withdrawal.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEthWithdrawalFailed, err)
		}
		c.TxRef = txHash
		span.SetAttributes(traces.TxHash(txHash))
	}

	records := RecordsFor(c)
	if err := s.store.Commit(ctx, c, records); err != nil {
		if c.TxRef != "" {
			s.logger.Error("CRITICAL: withdrawal sent but commit failed",
				"seq", c.Seq, "recipient", c.Withdrawal.Recipient.Hex(),
				"amount", c.Withdrawal.Amount.String(), "tx", c.TxRef, "error", err)
		}
		return nil, fmt.Errorf("commit %s: %w", op, err)
	}

	s.mu.Lock()
	applyErr := s.book.Apply(c)
	balance := s.book.Balance()
	s.mu.Unlock()
	if applyErr != nil {
		// The store already holds the change; rebuild from it.
		s.logger.Error("apply after commit failed, reloading", "seq", c.Seq, "error", applyErr)
		if err := s.reload(ctx); err != nil {
			return nil, fmt.Errorf("reload after %s: %w", op, err)
		}
	}

	treasuryBalance.Set(weiToEther(balance))
	if call.Value != nil && call.Value.Sign() > 0 {
		paymentsCredited.Add(weiToEther(call.Value))
	}
	span.SetAttributes(attribute.Int64("seq", int64(c.Seq)))

	s.publish(ctx, records)

	r := &Receipt{
		Seq:     c.Seq,
		Op:      op,
		Events:  c.Events,
		Records: records,
		TxRef:   c.TxRef,
	}
	if len(c.Tiers) == 1 {
		r.Tier = c.Tiers[0].clone()
		span.SetAttributes(traces.TierID(r.Tier.ID))
	}
	if len(c.Subscriptions) == 1 {
		cp := *c.Subscriptions[0]
		span.SetAttributes(traces.TokenID(cp.TokenID), traces.TierID(cp.TierID))
		r.Subscription = &cp
	}
	return r, nil
}

func (s *Service) verifyPayment(ctx context.Context, call Call, pay Payment) error {
	if s.verifier == nil || call.Value == nil || call.Value.Sign() == 0 {
		return nil
	}
	if pay.TxHash == "" {
		return ErrPaymentRequired
	}
	used, err := s.store.PaymentUsed(ctx, pay.TxHash)
	if err != nil {
		return fmt.Errorf("check payment: %w", err)
	}
	if used {
		return ErrPaymentReused
	}
	if err := s.verifier.VerifyPayment(ctx, call.Caller, call.Value, pay.TxHash); err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentUnverified, err)
	}
	return nil
}

func (s *Service) reload(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	book, err := Restore(s.params, snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.book = book
	s.mu.Unlock()
	return nil
}

// Reads

func (s *Service) Owner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Owner()
}

// Treasury returns the treasury balance in wei and the current sequence.
func (s *Service) Treasury() (*big.Int, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Balance(), s.book.Seq()
}

func (s *Service) Tier(id uint64) (*Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Tier(id)
}

func (s *Service) Tiers() []*Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Tiers()
}

func (s *Service) Subscription(tokenID uint64) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Subscription(tokenID)
}

func (s *Service) OwnerOf(tokenID uint64) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.OwnerOf(tokenID)
}

func (s *Service) HeldBy(holder common.Address) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.HeldBy(holder)
}

func (s *Service) TokenURI(tokenID uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.TokenURI(tokenID)
}

func (s *Service) Quote(tierID uint64, months int) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Quote(tierID, months)
}

// IsActive reports whether tokenID is live now.
func (s *Service) IsActive(tokenID uint64) bool {
	now := s.clock().Unix()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.IsActive(tokenID, now)
}

func (s *Service) Params() Params { return s.params }

func (s *Service) Now() time.Time { return s.clock() }

// Events queries the persisted event log.
func (s *Service) Events(ctx context.Context, q EventQuery) ([]*Record, error) {
	return s.store.Events(ctx, q)
}

// expiredBetween and activeCount back the expiry sweeper.
func (s *Service) expiredBetween(after, upTo int64) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.ExpiredBetween(after, upTo)
}

func (s *Service) activeCount(at int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.ActiveCount(at)
}

func (s *Service) publish(ctx context.Context, records []*Record) {
	for _, p := range s.publishers {
		p.Publish(ctx, records)
	}
}
