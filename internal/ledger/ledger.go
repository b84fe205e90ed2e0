package ledger

import (
    "time"

    "github.com/google/uuid"
)

func newEntryID() string {
    return uuid.NewString()
}

// Bucket identifies which portion of an account balance an entry touches.
type Bucket string

const (
    BucketAvailable Bucket = "available"
    BucketPending   Bucket = "pending"
    BucketLocked    Bucket = "locked"
)

// AccountKind classifies a balance holder.
type AccountKind string

const (
    AccountUser     AccountKind = "user"
    AccountSeller   AccountKind = "seller"
    AccountGroup    AccountKind = "group"
    AccountPlatform AccountKind = "platform"
)

// Account is a balance holder. All amounts are integer minor units.
// Available is spendable, Pending is escrow-held, Locked is frozen by an open
// dispute. Each bucket must equal the sum of entry effects on it.
type Account struct {
    ID        string      `json:"id"`
    Owner     string      `json:"owner"`
    Kind      AccountKind `json:"kind"`
    Available int64       `json:"available"`
    Pending   int64       `json:"pending"`
    Locked    int64       `json:"locked"`
    CreatedAt time.Time   `json:"created_at"`
}

// Total is the sum of all buckets.
func (a *Account) Total() int64 {
    return a.Available + a.Pending + a.Locked
}

// EntryKind names one balance mutation. Every kind has a fixed bucket-effect
// table (see kindEffects); amounts are stored as positive magnitudes.
type EntryKind string

const (
    KindDeposit        EntryKind = "deposit"
    KindWithdraw       EntryKind = "withdraw"
    KindTransferIn     EntryKind = "transfer-in"
    KindTransferOut    EntryKind = "transfer-out"
    KindEscrowLock     EntryKind = "escrow-lock"
    KindEscrowRelease  EntryKind = "escrow-release"
    KindEscrowRefund   EntryKind = "escrow-refund"
    KindDisputeHold    EntryKind = "dispute-hold"
    KindDisputeRelease EntryKind = "dispute-release"
    KindDisputeRefund  EntryKind = "dispute-refund"
    KindFee            EntryKind = "fee"
    KindCommission     EntryKind = "commission"
    KindReward         EntryKind = "reward"
)

// BucketEffect is one signed bucket delta applied by an entry kind.
type BucketEffect struct {
    Bucket Bucket
    Sign   int64 // +1 or -1
}

// kindEffects maps each entry kind to the bucket deltas it applies to the
// entry's account. The first effect is the primary bucket recorded in the
// entry's before/after snapshot.
var kindEffects = map[EntryKind][]BucketEffect{
    KindDeposit:        {{BucketAvailable, +1}},
    KindWithdraw:       {{BucketAvailable, -1}},
    KindTransferIn:     {{BucketAvailable, +1}},
    KindTransferOut:    {{BucketAvailable, -1}},
    KindEscrowLock:     {{BucketAvailable, -1}, {BucketPending, +1}},
    KindEscrowRelease:  {{BucketPending, -1}},
    KindEscrowRefund:   {{BucketPending, -1}, {BucketAvailable, +1}},
    KindDisputeHold:    {{BucketPending, -1}, {BucketLocked, +1}},
    KindDisputeRelease: {{BucketLocked, -1}},
    KindDisputeRefund:  {{BucketLocked, -1}, {BucketAvailable, +1}},
    KindFee:            {{BucketAvailable, +1}},
    KindCommission:     {{BucketAvailable, +1}},
    KindReward:         {{BucketAvailable, +1}},
}

// EffectsFor returns the bucket deltas for an entry kind, or false for an
// unknown kind.
func EffectsFor(kind EntryKind) ([]BucketEffect, bool) {
    eff, ok := kindEffects[kind]
    return eff, ok
}

// EntryStatus tracks the lifecycle of an entry. Entries are append-only;
// status is the only mutable field and moves pending -> completed/failed once.
type EntryStatus string

const (
    EntryPending   EntryStatus = "pending"
    EntryCompleted EntryStatus = "completed"
    EntryFailed    EntryStatus = "failed"
)

// Reference ties an entry to the operation that produced it.
type Reference struct {
    Type string `json:"type"` // transfer, order, payment, payout, claim
    ID   string `json:"id"`
}

// Entry is one immutable record of a balance mutation.
type Entry struct {
    ID            string      `json:"id"`
    AccountID     string      `json:"account_id"`
    Kind          EntryKind   `json:"kind"`
    Bucket        Bucket      `json:"bucket"`
    Amount        int64       `json:"amount"`
    BalanceBefore int64       `json:"balance_before"`
    BalanceAfter  int64       `json:"balance_after"`
    Reference     Reference   `json:"reference"`
    Status        EntryStatus `json:"status"`
    CreatedAt     time.Time   `json:"created_at"`
}

// EntryInput describes one entry to apply.
type EntryInput struct {
    AccountID string
    Kind      EntryKind
    Amount    int64
    Reference Reference
}

// TransferStatus tracks a transfer's lifecycle.
type TransferStatus string

const (
    TransferPending   TransferStatus = "pending"
    TransferCompleted TransferStatus = "completed"
    TransferCancelled TransferStatus = "cancelled"
    TransferFailed    TransferStatus = "failed"
)

// Transfer is a paired intent between exactly two accounts. It is resolved
// exactly once to completed or failed.
type Transfer struct {
    ID          string         `json:"id"`
    SenderID    string         `json:"sender_id"`
    RecipientID string         `json:"recipient_id"`
    Amount      int64          `json:"amount"`
    Note        string         `json:"note,omitempty"`
    Status      TransferStatus `json:"status"`
    CreatedAt   time.Time      `json:"created_at"`
    CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
    Kind   AccountKind
    Owner  string
    Limit  int
    Offset int
}
