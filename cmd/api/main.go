package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/manishjha-04/secureAuth/internal/account/repo"
	"github.com/manishjha-04/secureAuth/internal/attempt"
	"github.com/manishjha-04/secureAuth/internal/auth"
	"github.com/manishjha-04/secureAuth/internal/blacklist"
	"github.com/manishjha-04/secureAuth/internal/config"
	"github.com/manishjha-04/secureAuth/internal/notify"
	"github.com/manishjha-04/secureAuth/internal/ratelimit"
	"github.com/manishjha-04/secureAuth/internal/router"
	"github.com/manishjha-04/secureAuth/internal/sweeper"
	"github.com/manishjha-04/secureAuth/internal/token"
	"github.com/manishjha-04/secureAuth/internal/twofactor"
	"github.com/manishjha-04/secureAuth/pkg/database"
	"github.com/manishjha-04/secureAuth/pkg/password"
	"github.com/manishjha-04/secureAuth/pkg/utilities"
)

func main() {
	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting secureauth api")

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	for _, w := range cfg.Warnings {
		sugar.Warn(w)
	}

	// init db
	sqlDB, err := database.Connect(cfg.Database())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer sqlDB.Close()
	sqlxDB := sqlx.NewDb(sqlDB, cfg.DatabaseDriver)

	rdb, err := database.ConnectRedis(cfg.RedisURL, 5*time.Second)
	if err != nil {
		sugar.Fatalf("redis connect: %v", err)
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hasher := password.Bcrypt{Cost: cfg.BcryptCost}
	accounts := repo.NewAccountRepo(sqlxDB, hasher, cfg.PasswordHistoryLimit)
	if err := accounts.EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure schema: %v", err)
	}

	ledger := attempt.NewLedger(rdb, cfg.AttemptWindow)
	revoked := blacklist.NewBlacklist(rdb)
	tokens := token.NewIssuer(accounts, revoked, token.Options{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	tfa := twofactor.NewManager(accounts, hasher, twofactor.Options{
		Issuer:          cfg.TOTPIssuer,
		Period:          cfg.TOTPPeriod,
		Skew:            cfg.TOTPSkew,
		Digits:          cfg.TOTPDigits,
		BackupCodeCount: cfg.BackupCodeCount,
	})
	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(sugar.Named("notify")), sugar, 10*time.Second)

	svc := auth.NewService(auth.Deps{
		Accounts:  accounts,
		Ledger:    ledger,
		Blacklist: revoked,
		TwoFactor: tfa,
		Tokens:    tokens,
		Notifier:  dispatcher,
		Hasher:    hasher,
	}, auth.Policy{
		LockoutThreshold: cfg.LockoutThreshold,
		AttemptWindow:    cfg.AttemptWindow,
		LockDuration:     cfg.LockDuration,
	}, sugar.Named("auth"))

	limiter := ratelimit.NewRateLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow, sugar.Named("ratelimit"))

	sw := sweeper.New(cfg.SweepInterval, sugar.Named("sweeper"), maintenanceTasks(ledger, revoked)...)
	if cfg.SweepEnabled {
		sw.Start(ctx)
	}

	// mount http server
	handler := router.RegisterRoutes(router.Deps{
		Logger:     sugar,
		Auth:       auth.NewHandler(svc, sugar.Named("http"), cfg.TrustProxy),
		Gate:       auth.NewGate(tokens, accounts, sugar.Named("gate")),
		Limiter:    limiter,
		TrustProxy: cfg.TrustProxy,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sw.Stop()
	dispatcher.Wait()

	sugar.Info("goodbye")
}

// maintenanceTasks are the periodic cleanups run by the in-process sweeper.
// Rate-limit counters expire on their own.
func maintenanceTasks(ledger *attempt.Ledger, revoked *blacklist.Blacklist) []sweeper.Task {
	return []sweeper.Task{
		{Name: "attempts", Run: ledger.Purge},
		{Name: "blacklist", Run: revoked.Purge},
	}
}
