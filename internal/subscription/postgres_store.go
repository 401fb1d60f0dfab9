package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists the book in PostgreSQL. Each commit runs in one
// transaction guarded by a row lock on book_state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	var (
		snap    Snapshot
		owner   string
		balance string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT seq, owner_addr, balance::TEXT FROM book_state WHERE id = 1`,
	).Scan(&snap.Seq, &owner, &balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load book state: %w", err)
	}
	snap.Owner = common.HexToAddress(owner)
	if snap.Balance, err = parseNumeric(balance); err != nil {
		return nil, fmt.Errorf("load book state: %w", err)
	}

	if snap.Tiers, err = p.loadTiers(ctx); err != nil {
		return nil, err
	}
	if snap.Subscriptions, err = p.loadSubscriptions(ctx); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *PostgresStore) loadTiers(ctx context.Context) ([]*Tier, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, price::TEXT, enabled FROM tiers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load tiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Tier
	for rows.Next() {
		var (
			t     Tier
			name  []byte
			price string
		)
		if err := rows.Scan(&t.ID, &name, &price, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		copy(t.Name[:], name)
		if t.Price, err = parseNumeric(price); err != nil {
			return nil, fmt.Errorf("tier %d: %w", t.ID, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) loadSubscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT token_id, tier_id, started_time, expired_time, owner_addr
		FROM subscriptions ORDER BY token_id`)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		var (
			s     Subscription
			owner string
		)
		if err := rows.Scan(&s.TokenID, &s.TierID, &s.StartedTime, &s.ExpiredTime, &owner); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		s.Owner = common.HexToAddress(owner)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Commit(ctx context.Context, c *Change, records []*Record) (retErr error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var seq uint64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM book_state WHERE id = 1 FOR UPDATE`).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		seq = 0
	case err != nil:
		return fmt.Errorf("lock book state: %w", err)
	}
	if c.Seq != seq+1 {
		return ErrSeqConflict
	}

	if seq == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO book_state (id, seq, owner_addr, balance, updated_at)
			VALUES (1, $1, $2, $3::NUMERIC, NOW())`,
			c.Seq, c.Owner.Hex(), c.Balance.String())
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSeqConflict
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE book_state SET seq = $1, owner_addr = $2, balance = $3::NUMERIC, updated_at = NOW()
			WHERE id = 1`,
			c.Seq, c.Owner.Hex(), c.Balance.String())
	}
	if err != nil {
		return fmt.Errorf("write book state: %w", err)
	}

	for _, t := range c.Tiers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tiers (id, name, price, enabled, updated_seq)
			VALUES ($1, $2, $3::NUMERIC, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, price = EXCLUDED.price,
				enabled = EXCLUDED.enabled, updated_seq = EXCLUDED.updated_seq`,
			t.ID, t.Name[:], t.Price.String(), t.Enabled, c.Seq,
		); err != nil {
			return fmt.Errorf("write tier %d: %w", t.ID, err)
		}
	}

	for _, s := range c.Subscriptions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (token_id, tier_id, started_time, expired_time, owner_addr, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (token_id) DO UPDATE SET
				expired_time = EXCLUDED.expired_time, owner_addr = EXCLUDED.owner_addr,
				updated_seq = EXCLUDED.updated_seq`,
			s.TokenID, s.TierID, s.StartedTime, s.ExpiredTime, s.Owner.Hex(), c.Seq,
		); err != nil {
			return fmt.Errorf("write subscription %d: %w", s.TokenID, err)
		}
	}

	if c.PaymentRef != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO book_payments (ref, seq) VALUES ($1, $2)`, c.PaymentRef, c.Seq,
		); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return ErrPaymentReused
			}
			return fmt.Errorf("record payment: %w", err)
		}
	}

	for _, r := range records {
		args, err := json.Marshal(r.Args)
		if err != nil {
			return fmt.Errorf("encode event args: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO book_events (seq, idx, name, args, caller, tx_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.Seq, r.Index, r.Name, args, r.Caller, nullString(r.TxRef), r.Timestamp,
		); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Events(ctx context.Context, q EventQuery) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, idx, name, args, caller, COALESCE(tx_ref, ''), created_at
		FROM book_events
		WHERE (seq > $1 OR ($4::INT > 0 AND seq = $1 AND idx >= $4::INT))
		  AND ($2::TEXT = '' OR name = $2::TEXT)
		ORDER BY seq, idx
		LIMIT $3`, q.AfterSeq, q.Name, q.limit(), q.ResumeIndex)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			r    Record
			args []byte
		)
		if err := rows.Scan(&r.Seq, &r.Index, &r.Name, &args, &r.Caller, &r.TxRef, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(args, &r.Args); err != nil {
			return nil, fmt.Errorf("decode event args: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PaymentUsed(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM book_payments WHERE ref = $1)`, ref,
	).Scan(&exists)
	return exists, err
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
