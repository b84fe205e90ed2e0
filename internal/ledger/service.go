package ledger

import (
    "context"
    "errors"
    "fmt"

    "github.com/google/uuid"
)

// Service provides the high-level API for balance mutation. Every money
// movement goes through here; nothing else writes balances.
type Service struct {
    store Store
}

// NewService creates a ledger service on top of a Store.
func NewService(store Store) *Service {
    return &Service{store: store}
}

// Store exposes the underlying store to the escrow controller, which needs
// the atomic batch primitive.
func (s *Service) Store() Store {
    return s.store
}

// CreateAccountRequest describes a new balance holder.
type CreateAccountRequest struct {
    ID    string      `json:"id"`
    Owner string      `json:"owner"`
    Kind  AccountKind `json:"kind"`
}

// CreateAccount creates a new account with validation.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
    switch req.Kind {
    case AccountUser, AccountSeller, AccountGroup, AccountPlatform:
    default:
        return nil, fmt.Errorf("invalid account kind: %s", req.Kind)
    }
    if req.Owner == "" {
        return nil, fmt.Errorf("owner is required")
    }

    account := &Account{
        ID:    req.ID,
        Owner: req.Owner,
        Kind:  req.Kind,
    }
    if account.ID == "" {
        account.ID = uuid.NewString()
    }
    if err := s.store.CreateAccount(ctx, account); err != nil {
        return nil, fmt.Errorf("failed to create account: %w", err)
    }
    return s.store.GetAccount(ctx, account.ID)
}

// GetAccount retrieves an account with its current balances.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
    if id == "" {
        return nil, fmt.Errorf("account id is required")
    }
    return s.store.GetAccount(ctx, id)
}

// ListAccounts retrieves accounts with optional filtering.
func (s *Service) ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
    return s.store.ListAccounts(ctx, filter)
}

// ApplyEntry validates and applies a single balance mutation.
func (s *Service) ApplyEntry(ctx context.Context, input EntryInput) (*Entry, error) {
    if input.AccountID == "" {
        return nil, fmt.Errorf("account id is required")
    }
    if input.Amount <= 0 {
        return nil, fmt.Errorf("amount must be positive")
    }
    if _, ok := EffectsFor(input.Kind); !ok {
        return nil, fmt.Errorf("unknown entry kind %q", input.Kind)
    }

    entries, err := s.store.ApplyEntries(ctx, []EntryInput{input})
    if err != nil {
        return nil, err
    }
    return entries[0], nil
}

// DepositRequest is a confirmed payment from the external gateway.
type DepositRequest struct {
    AccountID         string `json:"account_id"`
    Amount            int64  `json:"amount"`
    ExternalPaymentID string `json:"external_payment_id"`
    Provider          string `json:"provider"`
}

// Deposit credits an account once per external payment id. Webhook retries
// return the original entry and ErrDuplicatePayment, which callers treat as
// success.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*Entry, error) {
    if req.AccountID == "" {
        return nil, fmt.Errorf("account id is required")
    }
    if req.Amount <= 0 {
        return nil, fmt.Errorf("amount must be positive")
    }
    if req.ExternalPaymentID == "" {
        return nil, fmt.Errorf("external payment id is required")
    }

    entry, duplicate, err := s.store.ApplyDeposit(ctx, req.ExternalPaymentID, EntryInput{
        AccountID: req.AccountID,
        Kind:      KindDeposit,
        Amount:    req.Amount,
        Reference: Reference{Type: "payment", ID: req.ExternalPaymentID},
    })
    if err != nil {
        return nil, err
    }
    if duplicate {
        return entry, ErrDuplicatePayment
    }
    return entry, nil
}

// WithdrawRequest debits available balance ahead of an external payout.
type WithdrawRequest struct {
    AccountID string `json:"account_id"`
    Amount    int64  `json:"amount"`
    PayoutID  string `json:"payout_id"`
}

// Withdraw debits the account's available balance. The external payout step
// happens outside the ledger; on payout failure the workflow must call
// CompensatePayout.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*Entry, error) {
    if req.AccountID == "" {
        return nil, fmt.Errorf("account id is required")
    }
    if req.Amount <= 0 {
        return nil, fmt.Errorf("amount must be positive")
    }

    return s.ApplyEntry(ctx, EntryInput{
        AccountID: req.AccountID,
        Kind:      KindWithdraw,
        Amount:    req.Amount,
        Reference: Reference{Type: "payout", ID: req.PayoutID},
    })
}

// CompensatePayout credits back a withdrawal whose external payout failed.
func (s *Service) CompensatePayout(ctx context.Context, accountID string, amount int64, payoutID string) (*Entry, error) {
    if accountID == "" {
        return nil, fmt.Errorf("account id is required")
    }
    if amount <= 0 {
        return nil, fmt.Errorf("amount must be positive")
    }

    return s.ApplyEntry(ctx, EntryInput{
        AccountID: accountID,
        Kind:      KindDeposit,
        Amount:    amount,
        Reference: Reference{Type: "payout-reversal", ID: payoutID},
    })
}

// TransferRequest is a point-to-point balance movement.
type TransferRequest struct {
    SenderID    string `json:"sender_id"`
    RecipientID string `json:"recipient_id"`
    Amount      int64  `json:"amount"`
    Note        string `json:"note"`
}

// Transfer debits the sender and credits the recipient atomically. The
// transfer row is created pending and resolved exactly once.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
    if req.SenderID == "" || req.RecipientID == "" {
        return nil, fmt.Errorf("sender and recipient are required")
    }
    if req.SenderID == req.RecipientID {
        return nil, ErrSelfTransfer
    }
    if req.Amount <= 0 {
        return nil, fmt.Errorf("amount must be positive")
    }

    if _, err := s.store.GetAccount(ctx, req.RecipientID); err != nil {
        if errors.Is(err, ErrAccountNotFound) {
            return nil, ErrInvalidRecipient
        }
        return nil, fmt.Errorf("failed to check recipient: %w", err)
    }

    sender, err := s.store.GetAccount(ctx, req.SenderID)
    if err != nil {
        return nil, fmt.Errorf("failed to get sender: %w", err)
    }
    if sender.Available < req.Amount {
        return nil, &InsufficientBalanceError{
            AccountID: req.SenderID,
            Bucket:    BucketAvailable,
            Have:      sender.Available,
            Need:      req.Amount,
        }
    }

    transfer := &Transfer{
        ID:          uuid.NewString(),
        SenderID:    req.SenderID,
        RecipientID: req.RecipientID,
        Amount:      req.Amount,
        Note:        req.Note,
        Status:      TransferPending,
    }
    if err := s.store.CreateTransfer(ctx, transfer); err != nil {
        return nil, fmt.Errorf("failed to create transfer: %w", err)
    }

    ref := Reference{Type: "transfer", ID: transfer.ID}
    _, err = s.store.CompleteTransfer(ctx, transfer.ID,
        EntryInput{AccountID: req.SenderID, Kind: KindTransferOut, Amount: req.Amount, Reference: ref},
        EntryInput{AccountID: req.RecipientID, Kind: KindTransferIn, Amount: req.Amount, Reference: ref},
    )
    if err != nil {
        // The atomic completion failed; no balances moved. Resolve the
        // pending row so it can never complete later.
        _ = s.store.FailTransfer(ctx, transfer.ID)
        return nil, err
    }

    return s.store.GetTransfer(ctx, transfer.ID)
}

// ReconcileReport compares an account's cached buckets against the sum of
// its entry effects.
type ReconcileReport struct {
    AccountID         string `json:"account_id"`
    Consistent        bool   `json:"consistent"`
    Available         int64  `json:"available"`
    Pending           int64  `json:"pending"`
    Locked            int64  `json:"locked"`
    Total             int64  `json:"total"`
    ExpectedAvailable int64  `json:"expected_available"`
    ExpectedPending   int64  `json:"expected_pending"`
    ExpectedLocked    int64  `json:"expected_locked"`
    EntryCount        int    `json:"entry_count"`
}

// Reconcile recomputes the account's buckets from its entries. The cached
// balance must always be derivable this way; drift is a defect.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*ReconcileReport, error) {
    if accountID == "" {
        return nil, fmt.Errorf("account id is required")
    }

    acc, err := s.store.GetAccount(ctx, accountID)
    if err != nil {
        return nil, err
    }
    entries, err := s.store.ListEntries(ctx, accountID)
    if err != nil {
        return nil, err
    }

    report := &ReconcileReport{AccountID: accountID, EntryCount: len(entries)}
    for _, e := range entries {
        if e.Status != EntryCompleted {
            continue
        }
        effects, ok := EffectsFor(e.Kind)
        if !ok {
            return nil, fmt.Errorf("entry %s has unknown kind %q", e.ID, e.Kind)
        }
        for _, eff := range effects {
            switch eff.Bucket {
            case BucketAvailable:
                report.ExpectedAvailable += eff.Sign * e.Amount
            case BucketPending:
                report.ExpectedPending += eff.Sign * e.Amount
            case BucketLocked:
                report.ExpectedLocked += eff.Sign * e.Amount
            }
        }
    }

    report.Available = acc.Available
    report.Pending = acc.Pending
    report.Locked = acc.Locked
    report.Total = acc.Total()
    report.Consistent = report.Available == report.ExpectedAvailable &&
        report.Pending == report.ExpectedPending &&
        report.Locked == report.ExpectedLocked
    return report, nil
}
