package ledger

import (
    "errors"
    "fmt"
)

// Sentinel errors surfaced to callers. Validation errors are safe to show to
// the end user; the invariant errors indicate a caller bug and are logged as
// defects at the API boundary.
var (
    ErrInsufficientBalance = errors.New("insufficient balance")
    ErrInvalidRecipient    = errors.New("invalid recipient")
    ErrSelfTransfer        = errors.New("sender and recipient must be different")
    ErrAccountNotFound     = errors.New("account not found")
    ErrAccountExists       = errors.New("account already exists")
    ErrTransferNotFound    = errors.New("transfer not found")
    ErrTransferResolved    = errors.New("transfer already resolved")

    // ErrDuplicatePayment marks a replayed deposit webhook. It is a
    // success-like outcome: the original entry stands and no new entry is
    // written.
    ErrDuplicatePayment = errors.New("duplicate external payment")
)

// InsufficientBalanceError carries the account and bucket that ran short.
type InsufficientBalanceError struct {
    AccountID string
    Bucket    Bucket
    Have      int64
    Need      int64
}

func (e *InsufficientBalanceError) Error() string {
    return fmt.Sprintf("insufficient %s balance in account %s: have %d, need %d", e.Bucket, e.AccountID, e.Have, e.Need)
}

func (e *InsufficientBalanceError) Unwrap() error {
    return ErrInsufficientBalance
}
