package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store. Claiming relies on a single UPDATE with
// a subselect, so sqlite's write lock makes select-and-mark atomic without
// application-side locking.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens the inventory database and bootstraps the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open inventory database: %w", err)
	}
	// sqlite serializes writes; extra connections just queue on the lock.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the units table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS claim_units (
			id         TEXT PRIMARY KEY,
			pool_id    TEXT NOT NULL,
			payload    TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'available'
			           CHECK (status IN ('available', 'claimed', 'hidden', 'void')),
			claimed_by TEXT NOT NULL DEFAULT '',
			order_id   TEXT NOT NULL DEFAULT '',
			claimed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_claim_units_pool_status
			ON claim_units (pool_id, status, created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate inventory schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddUnits(ctx context.Context, poolID string, payloads []string) ([]*Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO claim_units (id, pool_id, payload, status, created_at)
		VALUES (?, ?, ?, 'available', ?)
	`
	now := time.Now().UTC()
	out := make([]*Unit, 0, len(payloads))
	for _, payload := range payloads {
		u := &Unit{
			ID:        uuid.NewString(),
			PoolID:    poolID,
			Payload:   payload,
			Status:    UnitAvailable,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, query, u.ID, u.PoolID, u.Payload, u.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert unit: %w", err)
		}
		out = append(out, u)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, poolID, claimedBy, orderID string) (*Unit, error) {
	// One statement picks the oldest available unit and flips it. Concurrent
	// claimers serialize on the write lock; the loser's subselect sees the
	// already-claimed row and matches nothing.
	query := `
		UPDATE claim_units
		SET status = 'claimed', claimed_by = ?, order_id = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM claim_units
			WHERE pool_id = ? AND status = 'available'
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id, pool_id, payload, status, claimed_by, order_id, claimed_at, created_at
	`
	now := time.Now().UTC()
	u, err := scanUnit(s.db.QueryRowContext(ctx, query, claimedBy, orderID, now, poolID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotAvailable
		}
		return nil, fmt.Errorf("claim unit: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) Retire(ctx context.Context, unitID string) error {
	// The claim fields stay in place; only claimed units can be voided.
	query := `UPDATE claim_units SET status = 'void' WHERE id = ? AND status = 'claimed'`
	res, err := s.db.ExecContext(ctx, query, unitID)
	if err != nil {
		return fmt.Errorf("retire unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetUnit(ctx, unitID); gerr != nil {
			return gerr
		}
		return ErrNotAvailable
	}
	return nil
}

func (s *SQLiteStore) Hide(ctx context.Context, unitID string) error {
	query := `UPDATE claim_units SET status = 'hidden' WHERE id = ? AND status != 'claimed'`
	res, err := s.db.ExecContext(ctx, query, unitID)
	if err != nil {
		return fmt.Errorf("hide unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetUnit(ctx, unitID); gerr != nil {
			return gerr
		}
		return ErrNotAvailable
	}
	return nil
}

func (s *SQLiteStore) GetUnit(ctx context.Context, unitID string) (*Unit, error) {
	query := `
		SELECT id, pool_id, payload, status, claimed_by, order_id, claimed_at, created_at
		FROM claim_units
		WHERE id = ?
	`
	u, err := scanUnit(s.db.QueryRowContext(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) History(ctx context.Context, poolID string) ([]*Unit, error) {
	query := `
		SELECT id, pool_id, payload, status, claimed_by, order_id, claimed_at, created_at
		FROM claim_units
		WHERE pool_id = ? AND status IN ('claimed', 'void')
		ORDER BY claimed_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("pool history: %w", err)
	}
	defer rows.Close()

	var out []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, poolID string) (*PoolStats, error) {
	query := `
		SELECT status, COUNT(*)
		FROM claim_units
		WHERE pool_id = ?
		GROUP BY status
	`
	rows, err := s.db.QueryContext(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	defer rows.Close()

	stats := &PoolStats{PoolID: poolID}
	found := false
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		found = true
		switch UnitStatus(status) {
		case UnitAvailable:
			stats.Available = count
		case UnitClaimed:
			stats.Claimed = count
		case UnitHidden:
			stats.Hidden = count
		case UnitVoid:
			stats.Void = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrPoolNotFound
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*Unit, error) {
	var u Unit
	var claimedAt sql.NullTime
	if err := row.Scan(&u.ID, &u.PoolID, &u.Payload, &u.Status, &u.ClaimedBy, &u.OrderID, &claimedAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		u.ClaimedAt = &t
	}
	return &u, nil
}
