package ledger

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "time"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgconn"
    "github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store implementation. Mutations run in
// SERIALIZABLE transactions that lock the affected account rows in sorted
// order, and retry on serialization failure (SQLSTATE 40001).
type PostgresStore struct {
    Pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
    return &PostgresStore{Pool: pool}
}

const maxRetries = 3

// withSerializableTx runs fn in a SERIALIZABLE transaction, retrying
// serialization failures with linear backoff.
func (s *PostgresStore) withSerializableTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
    var lastErr error
    for attempt := 0; attempt < maxRetries; attempt++ {
        err := s.runTx(ctx, fn)
        if err == nil {
            return nil
        }
        var pgErr *pgconn.PgError
        if errors.As(err, &pgErr) && pgErr.Code == "40001" {
            lastErr = err
            time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
            continue
        }
        return err
    }
    return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", maxRetries, lastErr)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
    queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()

    conn, err := s.Pool.Acquire(queryCtx)
    if err != nil {
        return fmt.Errorf("failed to acquire connection: %w", err)
    }
    defer conn.Release()

    tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
        IsoLevel:   pgx.Serializable,
        AccessMode: pgx.ReadWrite,
    })
    if err != nil {
        return fmt.Errorf("failed to begin transaction: %w", err)
    }
    defer tx.Rollback(queryCtx)

    if err := fn(queryCtx, tx); err != nil {
        return err
    }

    if err := tx.Commit(queryCtx); err != nil {
        return fmt.Errorf("failed to commit transaction: %w", err)
    }
    return nil
}

// WithTx runs fn inside the store's SERIALIZABLE retry loop. Callers use it
// to commit their own rows and a ledger batch as one unit.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
    return s.withSerializableTx(ctx, fn)
}

// ApplyEntriesTx validates and writes an entry batch inside the caller's
// transaction. Pair with WithTx.
func ApplyEntriesTx(ctx context.Context, tx pgx.Tx, inputs []EntryInput) ([]*Entry, error) {
    return applyEntriesTx(ctx, tx, inputs)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
    if account.ID == "" {
        return fmt.Errorf("account id is required")
    }
    if account.CreatedAt.IsZero() {
        account.CreatedAt = time.Now().UTC()
    }
    return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
        tag, err := tx.Exec(ctx, `
            INSERT INTO accounts (id, owner, kind, available, pending, locked, created_at)
            VALUES ($1, $2, $3, 0, 0, 0, $4)
            ON CONFLICT (id) DO NOTHING
        `, account.ID, account.Owner, string(account.Kind), account.CreatedAt)
        if err != nil {
            return fmt.Errorf("failed to insert account: %w", err)
        }
        if tag.RowsAffected() == 0 {
            return ErrAccountExists
        }
        return nil
    })
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
    queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()

    var acc Account
    var kind string
    err := s.Pool.QueryRow(queryCtx, `
        SELECT id, owner, kind, available, pending, locked, created_at
        FROM accounts
        WHERE id = $1
    `, id).Scan(&acc.ID, &acc.Owner, &kind, &acc.Available, &acc.Pending, &acc.Locked, &acc.CreatedAt)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return nil, ErrAccountNotFound
        }
        return nil, fmt.Errorf("failed to get account: %w", err)
    }
    acc.Kind = AccountKind(kind)
    return &acc, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
    queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
    defer cancel()

    query := `
        SELECT id, owner, kind, available, pending, locked, created_at
        FROM accounts
        WHERE 1=1
    `
    args := []interface{}{}
    argCount := 1

    if filter.Kind != "" {
        query += fmt.Sprintf(" AND kind = $%d", argCount)
        args = append(args, string(filter.Kind))
        argCount++
    }
    if filter.Owner != "" {
        query += fmt.Sprintf(" AND owner = $%d", argCount)
        args = append(args, filter.Owner)
        argCount++
    }

    query += " ORDER BY id"

    if filter.Limit > 0 {
        query += fmt.Sprintf(" LIMIT $%d", argCount)
        args = append(args, filter.Limit)
        argCount++
    }
    if filter.Offset > 0 {
        query += fmt.Sprintf(" OFFSET $%d", argCount)
        args = append(args, filter.Offset)
    }

    rows, err := s.Pool.Query(queryCtx, query, args...)
    if err != nil {
        return nil, fmt.Errorf("failed to query accounts: %w", err)
    }
    defer rows.Close()

    var out []*Account
    for rows.Next() {
        var acc Account
        var kind string
        if err := rows.Scan(&acc.ID, &acc.Owner, &kind, &acc.Available, &acc.Pending, &acc.Locked, &acc.CreatedAt); err != nil {
            return nil, fmt.Errorf("failed to scan account: %w", err)
        }
        acc.Kind = AccountKind(kind)
        out = append(out, &acc)
    }
    return out, rows.Err()
}

func (s *PostgresStore) ApplyEntries(ctx context.Context, inputs []EntryInput) ([]*Entry, error) {
    var out []*Entry
    err := s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
        entries, err := applyEntriesTx(ctx, tx, inputs)
        if err != nil {
            return err
        }
        out = entries
        return nil
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

// applyEntriesTx locks the affected accounts in sorted id order, validates
// every bucket delta, then writes entries and balances inside tx.
func applyEntriesTx(ctx context.Context, tx pgx.Tx, inputs []EntryInput) ([]*Entry, error) {
    ids := make([]string, 0, len(inputs))
    seen := make(map[string]bool)
    for _, in := range inputs {
        if in.Amount <= 0 {
            return nil, fmt.Errorf("entry amount must be positive, got %d", in.Amount)
        }
        if _, ok := EffectsFor(in.Kind); !ok {
            return nil, fmt.Errorf("unknown entry kind %q", in.Kind)
        }
        if !seen[in.AccountID] {
            seen[in.AccountID] = true
            ids = append(ids, in.AccountID)
        }
    }
    sort.Strings(ids)

    accounts := make(map[string]*Account, len(ids))
    for _, id := range ids {
        var acc Account
        err := tx.QueryRow(ctx, `
            SELECT id, available, pending, locked
            FROM accounts
            WHERE id = $1
            FOR UPDATE
        `, id).Scan(&acc.ID, &acc.Available, &acc.Pending, &acc.Locked)
        if err != nil {
            if errors.Is(err, pgx.ErrNoRows) {
                return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
            }
            return nil, fmt.Errorf("failed to lock account: %w", err)
        }
        accounts[id] = &acc
    }

    now := time.Now().UTC()
    out := make([]*Entry, 0, len(inputs))
    for _, in := range inputs {
        acc := accounts[in.AccountID]
        effects, _ := EffectsFor(in.Kind)
        primary := effects[0]

        before := acc.bucketValue(primary.Bucket)
        for _, eff := range effects {
            acc.addToBucket(eff.Bucket, eff.Sign*in.Amount)
        }
        if acc.Available < 0 || acc.Pending < 0 || acc.Locked < 0 {
            bucket := BucketAvailable
            if acc.Pending < 0 {
                bucket = BucketPending
            } else if acc.Locked < 0 {
                bucket = BucketLocked
            }
            return nil, &InsufficientBalanceError{
                AccountID: in.AccountID,
                Bucket:    bucket,
                Have:      before,
                Need:      in.Amount,
            }
        }

        entry := &Entry{
            ID:            newEntryID(),
            AccountID:     in.AccountID,
            Kind:          in.Kind,
            Bucket:        primary.Bucket,
            Amount:        in.Amount,
            BalanceBefore: before,
            BalanceAfter:  acc.bucketValue(primary.Bucket),
            Reference:     in.Reference,
            Status:        EntryCompleted,
            CreatedAt:     now,
        }

        _, err := tx.Exec(ctx, `
            INSERT INTO ledger_entries (
                id, account_id, kind, bucket, amount, balance_before, balance_after,
                reference_type, reference_id, status, created_at
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        `, entry.ID, entry.AccountID, string(entry.Kind), string(entry.Bucket), entry.Amount,
            entry.BalanceBefore, entry.BalanceAfter, entry.Reference.Type, entry.Reference.ID,
            string(entry.Status), entry.CreatedAt)
        if err != nil {
            return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
        }
        out = append(out, entry)
    }

    for _, id := range ids {
        acc := accounts[id]
        _, err := tx.Exec(ctx, `
            UPDATE accounts SET available = $2, pending = $3, locked = $4 WHERE id = $1
        `, id, acc.Available, acc.Pending, acc.Locked)
        if err != nil {
            return nil, fmt.Errorf("failed to update account balance: %w", err)
        }
    }
    return out, nil
}

func (s *PostgresStore) ApplyDeposit(ctx context.Context, externalPaymentID string, input EntryInput) (*Entry, bool, error) {
    if externalPaymentID == "" {
        return nil, false, fmt.Errorf("external payment id is required")
    }

    var entry *Entry
    var duplicate bool
    err := s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
        var existingEntryID string
        err := tx.QueryRow(ctx, `
            SELECT entry_id FROM external_payments WHERE payment_id = $1 FOR UPDATE
        `, externalPaymentID).Scan(&existingEntryID)
        if err == nil {
            duplicate = true
            entry, err = getEntryTx(ctx, tx, existingEntryID)
            return err
        }
        if !errors.Is(err, pgx.ErrNoRows) {
            return fmt.Errorf("failed to check external payment: %w", err)
        }

        entries, err := applyEntriesTx(ctx, tx, []EntryInput{input})
        if err != nil {
            return err
        }
        entry = entries[0]

        _, err = tx.Exec(ctx, `
            INSERT INTO external_payments (payment_id, entry_id, created_at)
            VALUES ($1, $2, $3)
        `, externalPaymentID, entry.ID, time.Now().UTC())
        if err != nil {
            return fmt.Errorf("failed to record external payment: %w", err)
        }
        return nil
    })
    if err != nil {
        return nil, false, err
    }
    return entry, duplicate, nil
}

func getEntryTx(ctx context.Context, tx pgx.Tx, id string) (*Entry, error) {
    var e Entry
    var kind, bucket, status string
    err := tx.QueryRow(ctx, `
        SELECT id, account_id, kind, bucket, amount, balance_before, balance_after,
               reference_type, reference_id, status, created_at
        FROM ledger_entries
        WHERE id = $1
    `, id).Scan(&e.ID, &e.AccountID, &kind, &bucket, &e.Amount, &e.BalanceBefore,
        &e.BalanceAfter, &e.Reference.Type, &e.Reference.ID, &status, &e.CreatedAt)
    if err != nil {
        return nil, fmt.Errorf("failed to get ledger entry: %w", err)
    }
    e.Kind = EntryKind(kind)
    e.Bucket = Bucket(bucket)
    e.Status = EntryStatus(status)
    return &e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID string) ([]*Entry, error) {
    queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
    defer cancel()

    rows, err := s.Pool.Query(queryCtx, `
        SELECT id, account_id, kind, bucket, amount, balance_before, balance_after,
               reference_type, reference_id, status, created_at
        FROM ledger_entries
        WHERE account_id = $1
        ORDER BY created_at ASC, id ASC
    `, accountID)
    if err != nil {
        return nil, fmt.Errorf("failed to query ledger entries: %w", err)
    }
    defer rows.Close()

    var out []*Entry
    for rows.Next() {
        var e Entry
        var kind, bucket, status string
        if err := rows.Scan(&e.ID, &e.AccountID, &kind, &bucket, &e.Amount, &e.BalanceBefore,
            &e.BalanceAfter, &e.Reference.Type, &e.Reference.ID, &status, &e.CreatedAt); err != nil {
            return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
        }
        e.Kind = EntryKind(kind)
        e.Bucket = Bucket(bucket)
        e.Status = EntryStatus(status)
        out = append(out, &e)
    }
    return out, rows.Err()
}

func (s *PostgresStore) CreateTransfer(ctx context.Context, transfer *Transfer) error {
    if transfer.ID == "" {
        transfer.ID = newEntryID()
    }
    if transfer.Status == "" {
        transfer.Status = TransferPending
    }
    if transfer.CreatedAt.IsZero() {
        transfer.CreatedAt = time.Now().UTC()
    }
    return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
        _, err := tx.Exec(ctx, `
            INSERT INTO transfers (id, sender_id, recipient_id, amount, note, status, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, transfer.ID, transfer.SenderID, transfer.RecipientID, transfer.Amount,
            transfer.Note, string(transfer.Status), transfer.CreatedAt)
        if err != nil {
            return fmt.Errorf("failed to insert transfer: %w", err)
        }
        return nil
    })
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
    queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()

    var t Transfer
    var status string
    err := s.Pool.QueryRow(queryCtx, `
        SELECT id, sender_id, recipient_id, amount, note, status, created_at, completed_at
        FROM transfers
        WHERE id = $1
    `, id).Scan(&t.ID, &t.SenderID, &t.RecipientID, &t.Amount, &t.Note, &status, &t.CreatedAt, &t.CompletedAt)
    if err != nil {
        if errors.Is(err, pgx.ErrNoRows) {
            return nil, ErrTransferNotFound
        }
        return nil, fmt.Errorf("failed to get transfer: %w", err)
    }
    t.Status = TransferStatus(status)
    return &t, nil
}

func (s *PostgresStore) CompleteTransfer(ctx context.Context, transferID string, debit, credit EntryInput) ([]*Entry, error) {
    var out []*Entry
    err := s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
        var status string
        err := tx.QueryRow(ctx, `
            SELECT status FROM transfers WHERE id = $1 FOR UPDATE
        `, transferID).Scan(&status)
        if err != nil {
            if errors.Is(err, pgx.ErrNoRows) {
                return ErrTransferNotFound
            }
            return fmt.Errorf("failed to lock transfer: %w", err)
        }
        if TransferStatus(status) != TransferPending {
            return ErrTransferResolved
        }

        entries, err := applyEntriesTx(ctx, tx, []EntryInput{debit, credit})
        if err != nil {
            return err
        }

        _, err = tx.Exec(ctx, `
            UPDATE transfers SET status = $2, completed_at = $3 WHERE id = $1
        `, transferID, string(TransferCompleted), time.Now().UTC())
        if err != nil {
            return fmt.Errorf("failed to complete transfer: %w", err)
        }
        out = entries
        return nil
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

func (s *PostgresStore) FailTransfer(ctx context.Context, transferID string) error {
    return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
        tag, err := tx.Exec(ctx, `
            UPDATE transfers SET status = $2 WHERE id = $1 AND status = $3
        `, transferID, string(TransferFailed), string(TransferPending))
        if err != nil {
            return fmt.Errorf("failed to mark transfer failed: %w", err)
        }
        if tag.RowsAffected() == 0 {
            return ErrTransferResolved
        }
        return nil
    })
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
    stmts := []string{
        `CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            owner TEXT NOT NULL,
            kind TEXT NOT NULL CHECK (kind IN ('user', 'seller', 'group', 'platform')),
            available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
            pending BIGINT NOT NULL DEFAULT 0 CHECK (pending >= 0),
            locked BIGINT NOT NULL DEFAULT 0 CHECK (locked >= 0),
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
        `CREATE TABLE IF NOT EXISTS ledger_entries (
            id TEXT PRIMARY KEY,
            account_id TEXT NOT NULL REFERENCES accounts(id),
            kind TEXT NOT NULL,
            bucket TEXT NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            balance_before BIGINT NOT NULL,
            balance_after BIGINT NOT NULL,
            reference_type TEXT NOT NULL DEFAULT '',
            reference_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'completed',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
        `CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, created_at)`,
        `CREATE TABLE IF NOT EXISTS transfers (
            id TEXT PRIMARY KEY,
            sender_id TEXT NOT NULL REFERENCES accounts(id),
            recipient_id TEXT NOT NULL REFERENCES accounts(id),
            amount BIGINT NOT NULL CHECK (amount > 0),
            note TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            completed_at TIMESTAMPTZ
        )`,
        `CREATE TABLE IF NOT EXISTS external_payments (
            payment_id TEXT PRIMARY KEY,
            entry_id TEXT NOT NULL REFERENCES ledger_entries(id),
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
    }
    for _, stmt := range stmts {
        if _, err := s.Pool.Exec(ctx, stmt); err != nil {
            return fmt.Errorf("migration failed: %w", err)
        }
    }
    return nil
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() {
    s.Pool.Close()
}
