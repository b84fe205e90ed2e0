package main

import (
    "context"
    "log/slog"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/robfig/cron/v3"

    "github.com/example/market-infra/internal/config"
    "github.com/example/market-infra/internal/ledger"
    "github.com/example/market-infra/pkg/audit"
)

// The reconciler walks every account on a schedule and recomputes balances
// from the entry log. A drifted account is logged at error level so the
// on-call alerting can pick it up; nothing is repaired automatically.
func main() {
    logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
    slog.SetDefault(logger)

    cfg, err := config.Load()
    if err != nil {
        logger.Error("invalid configuration", "error", err)
        os.Exit(1)
    }
    if cfg.DatabaseURL == "" {
        logger.Error("DATABASE_URL is required for the reconciler")
        os.Exit(1)
    }

    ctx := context.Background()

    pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
    if err != nil {
        logger.Error("failed to create postgres pool", "error", err)
        os.Exit(1)
    }
    defer pool.Close()

    funds := ledger.NewService(ledger.NewPostgresStore(pool))

    schedule := os.Getenv("RECONCILE_SCHEDULE")
    if schedule == "" {
        schedule = "@every 15m"
    }

    trail := audit.NewTrail()

    c := cron.New()
    if _, err := c.AddFunc(schedule, func() {
        runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
        defer cancel()
        sweep(runCtx, logger, funds, trail)
    }); err != nil {
        logger.Error("invalid RECONCILE_SCHEDULE", "schedule", schedule, "error", err)
        os.Exit(1)
    }
    c.Start()
    logger.Info("reconciler started", "schedule", schedule, "env", cfg.Environment)

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
    <-sigCh

    <-c.Stop().Done()
    logger.Info("reconciler stopped")
}

func sweep(ctx context.Context, logger *slog.Logger, funds *ledger.Service, trail *audit.Trail) {
    started := time.Now()
    checked, drifted := 0, 0

    const pageSize = 200
    for offset := 0; ; offset += pageSize {
        accounts, err := funds.ListAccounts(ctx, ledger.AccountFilter{Limit: pageSize, Offset: offset})
        if err != nil {
            logger.Error("failed to list accounts", "error", err)
            return
        }
        if len(accounts) == 0 {
            break
        }

        for _, acct := range accounts {
            report, err := funds.Reconcile(ctx, acct.ID)
            if err != nil {
                logger.Error("reconcile failed", "account_id", acct.ID, "error", err)
                continue
            }
            checked++
            if !report.Consistent {
                drifted++
                rec := trail.Append("reconciler", "balance_drift", report.AccountID, "")
                logger.Error("account balance drift",
                    "account_id", report.AccountID,
                    "audit_hash", rec.Hash,
                    "available", report.Available,
                    "expected_available", report.ExpectedAvailable,
                    "pending", report.Pending,
                    "expected_pending", report.ExpectedPending,
                    "locked", report.Locked,
                    "expected_locked", report.ExpectedLocked,
                    "entry_count", report.EntryCount,
                )
            }
        }

        if len(accounts) < pageSize {
            break
        }
    }

    logger.Info("reconcile sweep finished",
        "checked", checked,
        "drifted", drifted,
        "duration_ms", time.Since(started).Milliseconds(),
    )
}
