package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manishjha-04/secureAuth/internal/attempt"
	"github.com/manishjha-04/secureAuth/internal/blacklist"
	"github.com/manishjha-04/secureAuth/internal/config"
	"github.com/manishjha-04/secureAuth/internal/sweeper"
	"github.com/manishjha-04/secureAuth/pkg/database"
	"github.com/manishjha-04/secureAuth/pkg/utilities"
)

// Standalone maintenance worker. Run it when the api instances are started
// with SWEEP_ENABLED=false so only one process purges the shared Redis state.
func main() {
	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting secureauth sweeper")

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	for _, w := range cfg.Warnings {
		sugar.Warn(w)
	}

	rdb, err := database.ConnectRedis(cfg.RedisURL, 5*time.Second)
	if err != nil {
		sugar.Fatalf("redis connect: %v", err)
	}
	defer rdb.Close()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger := attempt.NewLedger(rdb, cfg.AttemptWindow)
	revoked := blacklist.NewBlacklist(rdb)
	sw := sweeper.New(cfg.SweepInterval, sugar.Named("sweeper"),
		sweeper.Task{Name: "attempts", Run: ledger.Purge},
		sweeper.Task{Name: "blacklist", Run: revoked.Purge},
	)

	// one pass up front so a restart does not wait a full interval
	sw.SweepOnce(ctx)
	sw.Start(ctx)

	sugar.Info("sweeper is running; press Ctrl+C to stop")

	<-ctx.Done()

	sugar.Info("shutting down")
	sw.Stop()

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ping redis once more
	if err := rdb.Ping(doneCtx).Err(); err != nil {
		sugar.Warnf("redis ping on shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
