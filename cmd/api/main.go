package main

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/redis/go-redis/v9"

    "github.com/example/market-infra/internal/api"
    "github.com/example/market-infra/internal/auth"
    "github.com/example/market-infra/internal/claim"
    "github.com/example/market-infra/internal/config"
    "github.com/example/market-infra/internal/escrow"
    "github.com/example/market-infra/internal/ledger"
    "github.com/example/market-infra/internal/notify"
    "github.com/example/market-infra/internal/security"
    "github.com/example/market-infra/pkg/audit"
)

func main() {
    logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
    slog.SetDefault(logger)

    cfg, err := config.Load()
    if err != nil {
        logger.Error("invalid configuration", "error", err)
        os.Exit(1)
    }

    ctx := context.Background()

    var books ledger.Store
    var orderStore escrow.Store
    var settler escrow.Settler
    if cfg.DatabaseURL != "" {
        pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
        if err != nil {
            logger.Error("failed to create postgres pool", "error", err)
            os.Exit(1)
        }
        defer pool.Close()

        pg := ledger.NewPostgresStore(pool)
        if err := pg.Migrate(ctx); err != nil {
            logger.Error("ledger migration failed", "error", err)
            os.Exit(1)
        }
        books = pg

        epg := escrow.NewPostgresStore(pool)
        if err := epg.Migrate(ctx); err != nil {
            logger.Error("escrow migration failed", "error", err)
            os.Exit(1)
        }
        orderStore = epg
        settler = escrow.NewPostgresSettler(epg, pg)
    } else {
        logger.Warn("DATABASE_URL not set, using in-memory stores")
        books = ledger.NewMemoryStore()
        orderStore = escrow.NewMemoryStore()
    }
    funds := ledger.NewService(books)

    var claims *claim.Service
    if cfg.ClaimDBPath != "" {
        store, err := claim.OpenSQLite(cfg.ClaimDBPath)
        if err != nil {
            logger.Error("failed to open claim database", "error", err)
            os.Exit(1)
        }
        defer store.Close()
        claims = claim.NewService(store, logger)
    } else {
        logger.Warn("CLAIM_DB_PATH not set, using in-memory claim store")
        claims = claim.NewService(claim.NewMemoryStore(), logger)
    }

    var events notify.Publisher = notify.NewMemoryPublisher()
    var rateLimiter *security.Limiter
    if cfg.RedisAddr != "" {
        redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
        defer redisClient.Close()

        events = notify.NewRedisPublisher(redisClient, cfg.EventChannel, logger)
        rateLimiter = &security.Limiter{
            Redis:      redisClient,
            Prefix:     "funds_api",
            Capacity:   cfg.RateLimitCapacity,
            RefillRate: cfg.RateLimitRefill,
        }
    }

    ensurePlatformAccount(ctx, logger, funds, cfg.PlatformAccount)

    orders := escrow.NewController(books, orderStore, events, logger, escrow.ControllerConfig{
        PlatformAccount:  cfg.PlatformAccount,
        FeeRateBps:       cfg.FeeRateBps,
        AutoReleaseAfter: cfg.AutoReleaseAfter,
    })
    if settler != nil {
        orders.SetSettler(settler)
    }

    sweeper := escrow.NewSweeper(orders, logger, cfg.SweepSchedule)
    if err := sweeper.Start(); err != nil {
        logger.Error("failed to start sweeper", "error", err)
        os.Exit(1)
    }
    defer sweeper.Stop()

    keySet, err := loadKeySet(cfg)
    if err != nil {
        logger.Error("failed to load signing keys", "error", err)
        os.Exit(1)
    }

    clientStore := auth.NewMemoryClientStore()
    if err := seedClients(clientStore); err != nil {
        logger.Error("failed to seed oauth clients", "error", err)
        os.Exit(1)
    }

    allowlist, err := security.ParseCIDRAllowlist(cfg.WebhookAllowlist)
    if err != nil {
        logger.Error("invalid WEBHOOK_ALLOWLIST", "error", err)
        os.Exit(1)
    }

    router, err := api.NewRouter(api.Dependencies{
        Logger:       logger,
        OAuth:        &auth.OAuthServer{Store: clientStore, Keys: keySet, Issuer: cfg.AuthIssuer, AccessTokenTTL: 15 * time.Minute},
        JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: cfg.AuthIssuer},
        Funds:        funds,
        Orders:       orders,
        Claims:       claims,
        Events:       events,
        Auditor:      audit.NewTrail(),
        RateLimiter:  rateLimiter,

        WebhookAllowlist: allowlist,
    })
    if err != nil {
        logger.Error("failed to build router", "error", err)
        os.Exit(1)
    }

    srv := &http.Server{
        Addr:              cfg.HTTPAddr,
        Handler:           router,
        ReadHeaderTimeout: 5 * time.Second,
    }

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        <-sigCh
        shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        _ = srv.Shutdown(shutdownCtx)
    }()

    logger.Info("funds api listening", "addr", cfg.HTTPAddr, "env", cfg.Environment)
    if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
        logger.Error("server error", "error", err)
        os.Exit(1)
    }
}

func loadKeySet(cfg *config.Config) (*auth.KeySet, error) {
    if cfg.SigningKeyFile == "" {
        return auth.NewKeySet()
    }
    pemBytes, err := os.ReadFile(cfg.SigningKeyFile)
    if err != nil {
        return nil, err
    }
    return auth.LoadKeySet(pemBytes)
}

// seedClients registers the bootstrap client so operators can mint tokens
// on a fresh deployment. Further clients are provisioned out of band.
func seedClients(store *auth.MemoryClientStore) error {
    id := os.Getenv("AUTH_BOOTSTRAP_CLIENT_ID")
    secret := os.Getenv("AUTH_BOOTSTRAP_CLIENT_SECRET")
    if id == "" || secret == "" {
        return nil
    }

    hash, err := auth.HashClientSecret(secret)
    if err != nil {
        return err
    }
    store.PutClient(&auth.Client{
        ID:         id,
        SecretHash: hash,
        Scopes:     []string{auth.ScopeFundsRead, auth.ScopeFundsWrite, auth.ScopeFundsAdmin},
    })
    return nil
}

func ensurePlatformAccount(ctx context.Context, logger *slog.Logger, funds *ledger.Service, id string) {
    if id == "" {
        return
    }
    if _, err := funds.GetAccount(ctx, id); err == nil {
        return
    }
    if _, err := funds.CreateAccount(ctx, ledger.CreateAccountRequest{
        ID:    id,
        Owner: "platform",
        Kind:  ledger.AccountPlatform,
    }); err != nil {
        logger.Warn("platform account bootstrap failed", "account_id", id, "error", err)
    }
}
