package ledger

import (
    "context"
    "sync"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
    t.Helper()
    store := NewMemoryStore()
    return NewService(store), store
}

func mustCreateAccount(t *testing.T, s *Service, id string, kind AccountKind) *Account {
    t.Helper()
    acc, err := s.CreateAccount(context.Background(), CreateAccountRequest{ID: id, Owner: "owner-" + id, Kind: kind})
    require.NoError(t, err)
    return acc
}

func mustDeposit(t *testing.T, s *Service, accountID string, amount int64, paymentID string) {
    t.Helper()
    _, err := s.Deposit(context.Background(), DepositRequest{
        AccountID:         accountID,
        Amount:            amount,
        ExternalPaymentID: paymentID,
        Provider:          "test-gateway",
    })
    require.NoError(t, err)
}

func TestCreateAccountValidation(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()

    _, err := svc.CreateAccount(ctx, CreateAccountRequest{Owner: "alice", Kind: "merchant"})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "invalid account kind")

    _, err = svc.CreateAccount(ctx, CreateAccountRequest{Kind: AccountUser})
    require.Error(t, err)
    assert.Contains(t, err.Error(), "owner is required")

    acc, err := svc.CreateAccount(ctx, CreateAccountRequest{Owner: "alice", Kind: AccountUser})
    require.NoError(t, err)
    assert.NotEmpty(t, acc.ID)
    assert.Zero(t, acc.Available)
}

func TestDepositIdempotentPerExternalPayment(t *testing.T) {
    svc, store := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "buyer", AccountUser)

    first, err := svc.Deposit(ctx, DepositRequest{
        AccountID:         "buyer",
        Amount:            500,
        ExternalPaymentID: "pay-123",
    })
    require.NoError(t, err)
    assert.Equal(t, int64(0), first.BalanceBefore)
    assert.Equal(t, int64(500), first.BalanceAfter)

    // Webhook retry: same external payment id, no new entry, no new credit.
    replay, err := svc.Deposit(ctx, DepositRequest{
        AccountID:         "buyer",
        Amount:            500,
        ExternalPaymentID: "pay-123",
    })
    require.ErrorIs(t, err, ErrDuplicatePayment)
    require.NotNil(t, replay)
    assert.Equal(t, first.ID, replay.ID)

    acc, err := svc.GetAccount(ctx, "buyer")
    require.NoError(t, err)
    assert.Equal(t, int64(500), acc.Available)

    entries, err := store.ListEntries(ctx, "buyer")
    require.NoError(t, err)
    assert.Len(t, entries, 1)
}

func TestTransferScenario(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "buyer", AccountUser)
    mustCreateAccount(t, svc, "seller", AccountSeller)
    mustDeposit(t, svc, "buyer", 100, "pay-b")
    mustDeposit(t, svc, "seller", 10, "pay-s")

    transfer, err := svc.Transfer(ctx, TransferRequest{
        SenderID:    "buyer",
        RecipientID: "seller",
        Amount:      40,
        Note:        "thanks",
    })
    require.NoError(t, err)
    assert.Equal(t, TransferCompleted, transfer.Status)
    require.NotNil(t, transfer.CompletedAt)

    buyer, err := svc.GetAccount(ctx, "buyer")
    require.NoError(t, err)
    seller, err := svc.GetAccount(ctx, "seller")
    require.NoError(t, err)
    assert.Equal(t, int64(60), buyer.Available)
    assert.Equal(t, int64(50), seller.Available)
}

func TestTransferValidation(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "a", AccountUser)
    mustCreateAccount(t, svc, "b", AccountUser)
    mustDeposit(t, svc, "a", 100, "pay-a")

    _, err := svc.Transfer(ctx, TransferRequest{SenderID: "a", RecipientID: "a", Amount: 10})
    require.ErrorIs(t, err, ErrSelfTransfer)

    _, err = svc.Transfer(ctx, TransferRequest{SenderID: "a", RecipientID: "ghost", Amount: 10})
    require.ErrorIs(t, err, ErrInvalidRecipient)

    _, err = svc.Transfer(ctx, TransferRequest{SenderID: "a", RecipientID: "b", Amount: 1000})
    require.ErrorIs(t, err, ErrInsufficientBalance)

    // No partial effect from the failed attempts.
    a, err := svc.GetAccount(ctx, "a")
    require.NoError(t, err)
    b, err := svc.GetAccount(ctx, "b")
    require.NoError(t, err)
    assert.Equal(t, int64(100), a.Available)
    assert.Equal(t, int64(0), b.Available)
}

func TestTransferAffectsOnlyTwoAccounts(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "a", AccountUser)
    mustCreateAccount(t, svc, "b", AccountUser)
    mustCreateAccount(t, svc, "c", AccountUser)
    mustDeposit(t, svc, "a", 100, "pay-a")
    mustDeposit(t, svc, "c", 70, "pay-c")

    _, err := svc.Transfer(ctx, TransferRequest{SenderID: "a", RecipientID: "b", Amount: 30})
    require.NoError(t, err)

    c, err := svc.GetAccount(ctx, "c")
    require.NoError(t, err)
    assert.Equal(t, int64(70), c.Available)

    entries, err := svc.Store().ListEntries(ctx, "c")
    require.NoError(t, err)
    assert.Len(t, entries, 1) // only its own deposit
}

func TestWithdrawAndCompensate(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "seller", AccountSeller)
    mustDeposit(t, svc, "seller", 900, "pay-1")

    _, err := svc.Withdraw(ctx, WithdrawRequest{AccountID: "seller", Amount: 400, PayoutID: "po-1"})
    require.NoError(t, err)

    acc, err := svc.GetAccount(ctx, "seller")
    require.NoError(t, err)
    assert.Equal(t, int64(500), acc.Available)

    // External payout failed; the workflow credits the funds back.
    _, err = svc.CompensatePayout(ctx, "seller", 400, "po-1")
    require.NoError(t, err)

    acc, err = svc.GetAccount(ctx, "seller")
    require.NoError(t, err)
    assert.Equal(t, int64(900), acc.Available)

    _, err = svc.Withdraw(ctx, WithdrawRequest{AccountID: "seller", Amount: 10000, PayoutID: "po-2"})
    require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestReconcileMatchesEntrySums(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "buyer", AccountUser)
    mustCreateAccount(t, svc, "seller", AccountSeller)
    mustDeposit(t, svc, "buyer", 1000, "pay-1")

    _, err := svc.Transfer(ctx, TransferRequest{SenderID: "buyer", RecipientID: "seller", Amount: 250})
    require.NoError(t, err)

    _, err = svc.ApplyEntry(ctx, EntryInput{
        AccountID: "buyer",
        Kind:      KindEscrowLock,
        Amount:    300,
        Reference: Reference{Type: "order", ID: "ord-1"},
    })
    require.NoError(t, err)

    for _, id := range []string{"buyer", "seller"} {
        report, err := svc.Reconcile(ctx, id)
        require.NoError(t, err)
        assert.True(t, report.Consistent, "account %s drifted: %+v", id, report)
        assert.Equal(t, report.Available+report.Pending+report.Locked, report.Total)
    }

    buyerReport, err := svc.Reconcile(ctx, "buyer")
    require.NoError(t, err)
    assert.Equal(t, int64(750), buyerReport.Total)

    buyer, err := svc.GetAccount(ctx, "buyer")
    require.NoError(t, err)
    assert.Equal(t, int64(450), buyer.Available)
    assert.Equal(t, int64(300), buyer.Pending)
}

func TestConcurrentTransfersNoLostUpdates(t *testing.T) {
    svc, _ := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "hub", AccountUser)
    mustDeposit(t, svc, "hub", 10000, "pay-hub")

    const workers = 20
    for i := 0; i < workers; i++ {
        mustCreateAccount(t, svc, string(rune('A'+i)), AccountUser)
    }

    var wg sync.WaitGroup
    for i := 0; i < workers; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            _, err := svc.Transfer(ctx, TransferRequest{
                SenderID:    "hub",
                RecipientID: string(rune('A' + i)),
                Amount:      100,
            })
            assert.NoError(t, err)
        }(i)
    }
    wg.Wait()

    hub, err := svc.GetAccount(ctx, "hub")
    require.NoError(t, err)
    assert.Equal(t, int64(10000-workers*100), hub.Available)

    report, err := svc.Reconcile(ctx, "hub")
    require.NoError(t, err)
    assert.True(t, report.Consistent)
}

func TestApplyEntriesBatchAtomicity(t *testing.T) {
    svc, store := newTestService(t)
    ctx := context.Background()
    mustCreateAccount(t, svc, "a", AccountUser)
    mustCreateAccount(t, svc, "b", AccountUser)
    mustDeposit(t, svc, "a", 100, "pay-a")

    // Second leg overdraws; the first leg must not stick.
    _, err := store.ApplyEntries(ctx, []EntryInput{
        {AccountID: "a", Kind: KindTransferOut, Amount: 50, Reference: Reference{Type: "transfer", ID: "t1"}},
        {AccountID: "b", Kind: KindTransferOut, Amount: 10, Reference: Reference{Type: "transfer", ID: "t1"}},
    })
    require.ErrorIs(t, err, ErrInsufficientBalance)

    a, err := svc.GetAccount(ctx, "a")
    require.NoError(t, err)
    assert.Equal(t, int64(100), a.Available)

    entries, err := store.ListEntries(ctx, "a")
    require.NoError(t, err)
    assert.Len(t, entries, 1)
}
