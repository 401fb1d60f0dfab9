package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSeqConflict   = errors.New("subscription: commit sequence conflict")
	ErrPaymentReused = errors.New("subscription: payment already credited")
)

// Store persists book commits. Commit must apply a change and its event
// records atomically and must reject a change whose Seq does not directly
// follow the last committed one.
type Store interface {
	// Load returns the latest committed state, or nil for an empty store.
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, c *Change, records []*Record) error
	Events(ctx context.Context, q EventQuery) ([]*Record, error)
	PaymentUsed(ctx context.Context, ref string) (bool, error)
}

// EventQuery filters the event log. Zero values mean no filter; Limit
// defaults to 50.
type EventQuery struct {
	AfterSeq uint64
	// ResumeIndex, when positive, also returns records of commit AfterSeq
	// from this index on. Cursors use it to split a commit across pages.
	ResumeIndex int
	Name        string
	Limit       int
}

func (q EventQuery) includes(r *Record) bool {
	if r.Seq > q.AfterSeq {
		return true
	}
	return q.ResumeIndex > 0 && r.Seq == q.AfterSeq && r.Index >= q.ResumeIndex
}

func (q EventQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

// RecordsFor renders the events of a change as log records.
func RecordsFor(c *Change) []*Record {
	ts := c.Call.Now
	if ts.IsZero() {
		ts = time.Now()
	}
	out := make([]*Record, len(c.Events))
	for i, e := range c.Events {
		out[i] = &Record{
			Seq:       c.Seq,
			Index:     i,
			Name:      e.EventName(),
			Args:      e.Args(),
			Caller:    c.Call.Caller.Hex(),
			TxRef:     firstNonEmpty(c.TxRef, c.PaymentRef),
			Timestamp: ts.UTC(),
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
