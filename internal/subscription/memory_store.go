package subscription

import (
	"context"
	"sync"
)

// MemoryStore keeps commits in memory for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	book     *Book // nil until the first commit
	records  []*Record
	payments map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]uint64)}
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.book == nil {
		return nil, nil
	}
	return m.book.Snapshot(), nil
}

func (m *MemoryStore) Commit(_ context.Context, c *Change, records []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book := m.book
	if book == nil {
		book = NewBook(Params{})
	}
	if c.Seq != book.Seq()+1 {
		return ErrSeqConflict
	}
	if c.PaymentRef != "" {
		if _, used := m.payments[c.PaymentRef]; used {
			return ErrPaymentReused
		}
	}
	if err := book.Apply(c); err != nil {
		return err
	}

	m.book = book
	if c.PaymentRef != "" {
		m.payments[c.PaymentRef] = c.Seq
	}
	for _, r := range records {
		cp := *r
		cp.Args = append([]Arg(nil), r.Args...)
		m.records = append(m.records, &cp)
	}
	return nil
}

func (m *MemoryStore) Events(_ context.Context, q EventQuery) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.limit()
	var out []*Record
	for _, r := range m.records {
		if !q.includes(r) {
			continue
		}
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		cp := *r
		cp.Args = append([]Arg(nil), r.Args...)
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PaymentUsed(_ context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.payments[ref]
	return ok, nil
}
