package ledger

import (
    "context"
)

// Store is the durable boundary for accounts, entries and transfers.
//
// Every mutating method is a single atomic unit: either all of its writes
// become visible or none do. Concurrent operations touching the same account
// serialize; operations on disjoint accounts may run in parallel.
type Store interface {
    CreateAccount(ctx context.Context, account *Account) error
    GetAccount(ctx context.Context, id string) (*Account, error)
    ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error)

    // ApplyEntries writes the given entries and their balance updates
    // together. Inputs may span multiple accounts; a batch that would drive
    // any bucket negative fails as a whole with InsufficientBalanceError.
    ApplyEntries(ctx context.Context, inputs []EntryInput) ([]*Entry, error)

    // ApplyDeposit is ApplyEntries for a gateway deposit, deduplicated by the
    // external payment id. A replay returns the original entry and true.
    ApplyDeposit(ctx context.Context, externalPaymentID string, input EntryInput) (*Entry, bool, error)

    ListEntries(ctx context.Context, accountID string) ([]*Entry, error)

    CreateTransfer(ctx context.Context, transfer *Transfer) error
    GetTransfer(ctx context.Context, id string) (*Transfer, error)

    // CompleteTransfer applies the two transfer legs and flips the pending
    // transfer to completed in one atomic unit. A transfer already resolved
    // fails with ErrTransferResolved.
    CompleteTransfer(ctx context.Context, transferID string, debit, credit EntryInput) ([]*Entry, error)

    // FailTransfer marks a pending transfer failed. No balances move.
    FailTransfer(ctx context.Context, transferID string) error
}
