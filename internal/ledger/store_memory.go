package ledger

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and the dev server.
// A single mutex serializes mutations, which trivially satisfies the
// per-account ordering contract.
type MemoryStore struct {
    mu        sync.Mutex
    accounts  map[string]*Account
    entries   []*Entry
    transfers map[string]*Transfer
    payments  map[string]string // external payment id -> entry id
    nowFn     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
    return &MemoryStore{
        accounts:  make(map[string]*Account),
        transfers: make(map[string]*Transfer),
        payments:  make(map[string]string),
        nowFn:     func() time.Time { return time.Now().UTC() },
    }
}

// SetNowFunc overrides the clock, for tests.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.nowFn = fn
}

func (s *MemoryStore) CreateAccount(_ context.Context, account *Account) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if account.ID == "" {
        account.ID = uuid.NewString()
    }
    if _, ok := s.accounts[account.ID]; ok {
        return ErrAccountExists
    }
    if account.CreatedAt.IsZero() {
        account.CreatedAt = s.nowFn()
    }

    cp := *account
    s.accounts[account.ID] = &cp
    return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    acc, ok := s.accounts[id]
    if !ok {
        return nil, ErrAccountNotFound
    }
    cp := *acc
    return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, filter AccountFilter) ([]*Account, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    ids := make([]string, 0, len(s.accounts))
    for id := range s.accounts {
        ids = append(ids, id)
    }
    sort.Strings(ids)

    var out []*Account
    for _, id := range ids {
        acc := s.accounts[id]
        if filter.Kind != "" && acc.Kind != filter.Kind {
            continue
        }
        if filter.Owner != "" && acc.Owner != filter.Owner {
            continue
        }
        cp := *acc
        out = append(out, &cp)
    }

    if filter.Offset > 0 {
        if filter.Offset >= len(out) {
            return nil, nil
        }
        out = out[filter.Offset:]
    }
    if filter.Limit > 0 && filter.Limit < len(out) {
        out = out[:filter.Limit]
    }
    return out, nil
}

func (s *MemoryStore) ApplyEntries(_ context.Context, inputs []EntryInput) ([]*Entry, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.applyLocked(inputs)
}

// applyLocked validates the whole batch against staged balances before
// touching anything, so a failing batch leaves no partial effect.
func (s *MemoryStore) applyLocked(inputs []EntryInput) ([]*Entry, error) {
    type staged struct {
        available int64
        pending   int64
        locked    int64
    }

    stage := make(map[string]*staged)
    for _, in := range inputs {
        if in.Amount <= 0 {
            return nil, fmt.Errorf("entry amount must be positive, got %d", in.Amount)
        }
        acc, ok := s.accounts[in.AccountID]
        if !ok {
            return nil, fmt.Errorf("account %s: %w", in.AccountID, ErrAccountNotFound)
        }
        if _, ok := stage[in.AccountID]; !ok {
            stage[in.AccountID] = &staged{acc.Available, acc.Pending, acc.Locked}
        }
        effects, ok := EffectsFor(in.Kind)
        if !ok {
            return nil, fmt.Errorf("unknown entry kind %q", in.Kind)
        }
        st := stage[in.AccountID]
        for _, eff := range effects {
            switch eff.Bucket {
            case BucketAvailable:
                st.available += eff.Sign * in.Amount
            case BucketPending:
                st.pending += eff.Sign * in.Amount
            case BucketLocked:
                st.locked += eff.Sign * in.Amount
            }
        }
        if st.available < 0 || st.pending < 0 || st.locked < 0 {
            bucket, have := BucketAvailable, st.available+in.Amount
            if st.pending < 0 {
                bucket, have = BucketPending, st.pending+in.Amount
            } else if st.locked < 0 {
                bucket, have = BucketLocked, st.locked+in.Amount
            }
            return nil, &InsufficientBalanceError{
                AccountID: in.AccountID,
                Bucket:    bucket,
                Have:      have,
                Need:      in.Amount,
            }
        }
    }

    now := s.nowFn()
    out := make([]*Entry, 0, len(inputs))
    for _, in := range inputs {
        acc := s.accounts[in.AccountID]
        effects, _ := EffectsFor(in.Kind)
        primary := effects[0]

        before := acc.bucketValue(primary.Bucket)
        for _, eff := range effects {
            acc.addToBucket(eff.Bucket, eff.Sign*in.Amount)
        }
        after := acc.bucketValue(primary.Bucket)

        entry := &Entry{
            ID:            uuid.NewString(),
            AccountID:     in.AccountID,
            Kind:          in.Kind,
            Bucket:        primary.Bucket,
            Amount:        in.Amount,
            BalanceBefore: before,
            BalanceAfter:  after,
            Reference:     in.Reference,
            Status:        EntryCompleted,
            CreatedAt:     now,
        }
        s.entries = append(s.entries, entry)
        cp := *entry
        out = append(out, &cp)
    }
    return out, nil
}

func (a *Account) bucketValue(b Bucket) int64 {
    switch b {
    case BucketPending:
        return a.Pending
    case BucketLocked:
        return a.Locked
    default:
        return a.Available
    }
}

func (a *Account) addToBucket(b Bucket, delta int64) {
    switch b {
    case BucketPending:
        a.Pending += delta
    case BucketLocked:
        a.Locked += delta
    default:
        a.Available += delta
    }
}

func (s *MemoryStore) ApplyDeposit(_ context.Context, externalPaymentID string, input EntryInput) (*Entry, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    if externalPaymentID == "" {
        return nil, false, fmt.Errorf("external payment id is required")
    }

    if entryID, ok := s.payments[externalPaymentID]; ok {
        for _, e := range s.entries {
            if e.ID == entryID {
                cp := *e
                return &cp, true, nil
            }
        }
        return nil, true, nil
    }

    entries, err := s.applyLocked([]EntryInput{input})
    if err != nil {
        return nil, false, err
    }
    s.payments[externalPaymentID] = entries[0].ID
    return entries[0], false, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, accountID string) ([]*Entry, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    var out []*Entry
    for _, e := range s.entries {
        if e.AccountID == accountID {
            cp := *e
            out = append(out, &cp)
        }
    }
    return out, nil
}

func (s *MemoryStore) CreateTransfer(_ context.Context, transfer *Transfer) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if transfer.ID == "" {
        transfer.ID = uuid.NewString()
    }
    if _, ok := s.transfers[transfer.ID]; ok {
        return fmt.Errorf("transfer %s already exists", transfer.ID)
    }
    if transfer.Status == "" {
        transfer.Status = TransferPending
    }
    if transfer.CreatedAt.IsZero() {
        transfer.CreatedAt = s.nowFn()
    }

    cp := *transfer
    s.transfers[transfer.ID] = &cp
    return nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*Transfer, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    t, ok := s.transfers[id]
    if !ok {
        return nil, ErrTransferNotFound
    }
    cp := *t
    return &cp, nil
}

func (s *MemoryStore) CompleteTransfer(_ context.Context, transferID string, debit, credit EntryInput) ([]*Entry, error) {
    s.mu.Lock()
    defer s.mu.Unlock()

    t, ok := s.transfers[transferID]
    if !ok {
        return nil, ErrTransferNotFound
    }
    if t.Status != TransferPending {
        return nil, ErrTransferResolved
    }

    entries, err := s.applyLocked([]EntryInput{debit, credit})
    if err != nil {
        return nil, err
    }

    now := s.nowFn()
    t.Status = TransferCompleted
    t.CompletedAt = &now
    return entries, nil
}

func (s *MemoryStore) FailTransfer(_ context.Context, transferID string) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    t, ok := s.transfers[transferID]
    if !ok {
        return ErrTransferNotFound
    }
    if t.Status != TransferPending {
        return ErrTransferResolved
    }
    t.Status = TransferFailed
    return nil
}
