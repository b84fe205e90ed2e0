package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/market-infra/internal/ledger"
)

// PostgresStore persists orders and transitions. Lifecycle writes use an
// optimistic version check instead of row locks: the UPDATE matches on the
// caller's version and a miss means the order moved underneath them.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order *Order) error {
	order.Version = 1
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO escrow_orders (
			id, buyer_account, seller_account, gross, fee_rate_bps, fee_amount,
			seller_net, status, escrow_status, buyer_confirmed, seller_confirmed,
			dispute_reason, resolution, created_at, delivered_at, deadline,
			resolved_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		order.ID, order.BuyerAccount, order.SellerAccount, order.Gross,
		order.FeeRateBps, order.FeeAmount, order.SellerNet,
		string(order.Status), string(order.EscrowStatus),
		order.BuyerConfirmed, order.SellerConfirmed,
		order.DisputeReason, string(order.Resolution),
		order.CreatedAt, order.DeliveredAt, order.Deadline, order.ResolvedAt,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, buyer_account, seller_account, gross, fee_rate_bps, fee_amount,
		       seller_net, status, escrow_status, buyer_confirmed, seller_confirmed,
		       dispute_reason, resolution, created_at, delivered_at, deadline,
		       resolved_at, version
		FROM escrow_orders WHERE id = $1`, id)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// updateOrderExec runs the version-checked order write. It reports whether a
// row matched; a miss means the stored version moved.
func updateOrderExec(ctx context.Context, db pgExecer, order *Order) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE escrow_orders SET
			status = $2, escrow_status = $3, buyer_confirmed = $4,
			seller_confirmed = $5, dispute_reason = $6, resolution = $7,
			delivered_at = $8, deadline = $9, resolved_at = $10,
			version = version + 1
		WHERE id = $1 AND version = $11`,
		order.ID, string(order.Status), string(order.EscrowStatus),
		order.BuyerConfirmed, order.SellerConfirmed,
		order.DisputeReason, string(order.Resolution),
		order.DeliveredAt, order.Deadline, order.ResolvedAt,
		order.Version,
	)
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, order *Order) error {
	matched, err := updateOrderExec(ctx, s.Pool, order)
	if err != nil {
		return err
	}
	if !matched {
		if _, gerr := s.GetOrder(ctx, order.ID); gerr != nil {
			return gerr
		}
		return ErrStaleOrder
	}
	order.Version++
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, buyer_account, seller_account, gross, fee_rate_bps, fee_amount,
		       seller_net, status, escrow_status, buyer_confirmed, seller_confirmed,
		       dispute_reason, resolution, created_at, delivered_at, deadline,
		       resolved_at, version
		FROM escrow_orders
		WHERE status = $1 AND deadline IS NOT NULL AND deadline <= $2
		ORDER BY id`, string(StatusDelivered), now)
	if err != nil {
		return nil, fmt.Errorf("list due orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendTransition(ctx context.Context, t *Transition) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO escrow_transitions (
			id, order_id, from_status, to_status, actor, reason,
			hash, prev_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.OrderID, string(t.From), string(t.To), t.Actor, t.Reason,
		t.Hash, t.PrevHash, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, orderID string) ([]*Transition, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor, reason,
		       hash, prev_hash, created_at
		FROM escrow_transitions WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.OrderID, &from, &to, &t.Actor, &t.Reason,
			&t.Hash, &t.PrevHash, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To = Status(from), Status(to)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestTransition(ctx context.Context, orderID string) (*Transition, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, order_id, from_status, to_status, actor, reason,
		       hash, prev_hash, created_at
		FROM escrow_transitions WHERE order_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, orderID)

	var t Transition
	var from, to string
	err := row.Scan(&t.ID, &t.OrderID, &from, &to, &t.Actor, &t.Reason,
		&t.Hash, &t.PrevHash, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest transition: %w", err)
	}
	t.From, t.To = Status(from), Status(to)
	return &t, nil
}

// Migrate creates the order tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_orders (
			id               TEXT PRIMARY KEY,
			buyer_account    TEXT NOT NULL,
			seller_account   TEXT NOT NULL,
			gross            BIGINT NOT NULL CHECK (gross > 0),
			fee_rate_bps     BIGINT NOT NULL CHECK (fee_rate_bps BETWEEN 0 AND 10000),
			fee_amount       BIGINT NOT NULL CHECK (fee_amount >= 0),
			seller_net       BIGINT NOT NULL CHECK (seller_net >= 0),
			status           TEXT NOT NULL,
			escrow_status    TEXT NOT NULL,
			buyer_confirmed  BOOLEAN NOT NULL DEFAULT FALSE,
			seller_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			dispute_reason   TEXT NOT NULL DEFAULT '',
			resolution       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			delivered_at     TIMESTAMPTZ,
			deadline         TIMESTAMPTZ,
			resolved_at      TIMESTAMPTZ,
			version          BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_escrow_orders_due
			ON escrow_orders (status, deadline);

		CREATE TABLE IF NOT EXISTS escrow_transitions (
			id          TEXT PRIMARY KEY,
			order_id    TEXT NOT NULL REFERENCES escrow_orders (id),
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			actor       TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			hash        TEXT NOT NULL,
			prev_hash   TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_escrow_transitions_order
			ON escrow_transitions (order_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate escrow schema: %w", err)
	}
	return nil
}

// PostgresSettler commits an order's terminal status flip and its ledger
// batch in one SERIALIZABLE transaction, so a crash can never leave a
// released or refunded order whose funds did not move.
type PostgresSettler struct {
	Orders *PostgresStore
	Books  *ledger.PostgresStore
}

func NewPostgresSettler(orders *PostgresStore, books *ledger.PostgresStore) *PostgresSettler {
	return &PostgresSettler{Orders: orders, Books: books}
}

func (s *PostgresSettler) SettleOrder(ctx context.Context, order *Order, inputs []ledger.EntryInput) error {
	err := s.Books.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		matched, err := updateOrderExec(ctx, tx, order)
		if err != nil {
			return err
		}
		if !matched {
			return ErrStaleOrder
		}
		_, err = ledger.ApplyEntriesTx(ctx, tx, inputs)
		return err
	})
	if err != nil {
		return err
	}
	order.Version++
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status, escrowStatus, resolution string
	err := row.Scan(
		&o.ID, &o.BuyerAccount, &o.SellerAccount, &o.Gross, &o.FeeRateBps,
		&o.FeeAmount, &o.SellerNet, &status, &escrowStatus,
		&o.BuyerConfirmed, &o.SellerConfirmed, &o.DisputeReason, &resolution,
		&o.CreatedAt, &o.DeliveredAt, &o.Deadline, &o.ResolvedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.EscrowStatus = EscrowStatus(escrowStatus)
	o.Resolution = Resolution(resolution)
	return &o, nil
}
