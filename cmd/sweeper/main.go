// sweeper runs the housekeeping sweeps: expired-lock reaping and log retention.
// Correctness never depends on it (expired locks are lazily reaped on acquire),
// it only keeps the tables small.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... REDIS_ADDRESS=... go run ./cmd/sweeper
//
// Only one instance per deployment does work at a time: each cycle is guarded by a
// redislock so extra replicas simply skip their turn.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
	"bitbucket.org/mmdatafocus/subscriptions_backend/locking"
	"bitbucket.org/mmdatafocus/subscriptions_backend/models"
	"bitbucket.org/mmdatafocus/subscriptions_backend/oplog"
	"bitbucket.org/mmdatafocus/subscriptions_backend/store"
	"bitbucket.org/mmdatafocus/subscriptions_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	logger := config.GetLogger()
	lockManager := locking.NewManager(store.NewGormLockStore(db))
	opLogger := oplog.New(store.NewGormLogStore(db))
	defer opLogger.Close()

	interval := time.Duration(config.IntFromEnv("SWEEP_INTERVAL_SECONDS", 300)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	runSweep(lockManager, opLogger, logger)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			runSweep(lockManager, opLogger, logger)
		}
	}
}

func runSweep(lockManager *locking.Manager, opLogger *oplog.Logger, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	release, err := utils.MaintenanceLock(ctx, "sweeper", time.Minute)
	if err != nil {
		// another instance is sweeping, or redis is not ready yet
		logger.WithFields(logrus.Fields{"module": "sweeper"}).Warn("skipping sweep: " + err.Error())
		return
	}
	defer release()

	reaped, err := lockManager.CleanupExpired(ctx)
	if err != nil {
		config.LogError(logger, "sweeper", "runSweep", "expired lock cleanup failed", nil, err)
	}
	pruned, err := opLogger.RunRetention(ctx)
	if err != nil {
		config.LogError(logger, "sweeper", "runSweep", "log retention sweep failed", nil, err)
	}
	log.Printf("sweep cycle completed (locksReaped=%d logsPruned=%d)", reaped, pruned)
}
