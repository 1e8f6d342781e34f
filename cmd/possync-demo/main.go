// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command possync-demo runs one end-to-end sync flow against a real Postgres
// backend: it appends a sample sale and a few visitor-count deltas to a local
// queue file, then drives a foreground-triggered cycle through the scheduler
// the same way the surrounding app's lifecycle hooks would.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/sota0426/festival-pos-app-sub001/internal/auth"
	"github.com/sota0426/festival-pos-app-sub001/possqlite"
	"github.com/sota0426/festival-pos-app-sub001/possync"
)

type config struct {
	DatabaseURL       string
	QueuePath         string
	DeviceTokenSecret string
	BranchID          string
	DeviceID          string
}

func loadConfig() (config, error) {
	_ = godotenv.Load()

	cfg := config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		QueuePath:         getEnv("QUEUE_PATH", "possync-demo.db"),
		DeviceTokenSecret: getEnv("DEVICE_TOKEN_SECRET", "demo-secret"),
		BranchID:          getEnv("BRANCH_ID", uuid.New().String()),
		DeviceID:          getEnv("DEVICE_ID", uuid.New().String()),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("Demo failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := auth.SetDeviceContext(context.Background(), cfg.BranchID, cfg.DeviceID)

	store, err := possqlite.Open(cfg.QueuePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	remote := possync.NewPGRemote(pool, logger)
	executor := possync.NewExecutor(store, remote, logger)

	// The device token plays the role of the app's auth/subscription layer.
	deviceAuth := possync.NewDeviceAuth(cfg.DeviceTokenSecret)
	token, err := deviceAuth.GenerateToken(cfg.DeviceID, cfg.BranchID, time.Hour)
	if err != nil {
		return fmt.Errorf("failed to generate device token: %w", err)
	}
	eligibility := deviceAuth.EligibilityFromToken(func(context.Context) (string, error) {
		return token, nil
	})

	recovery := possync.NewRecoveryController(store, func(intent possync.Intent) {
		logger.Info("Recovery intent", "intent", string(intent))
	}, logger)
	scheduler := possync.NewScheduler(store, executor, recovery, eligibility, nil, nil, logger)

	if err := seedQueue(ctx, store, cfg.BranchID); err != nil {
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// The demo stands in for the user: accept the confirmation prompt, then
	// fire the foreground trigger the way the app shell would.
	recovery.Accept(ctx)
	scheduler.Foreground(ctx)

	if err := executor.SyncVisitorCounts(ctx); err != nil {
		return err
	}

	lastSync, err := store.LastSyncTime(ctx)
	if err != nil {
		return err
	}
	remaining, err := store.UnsyncedTransactionCount(ctx)
	if err != nil {
		return err
	}
	logger.Info("Demo finished", "last_sync", lastSync, "unsynced_remaining", remaining)
	return nil
}

func seedQueue(ctx context.Context, store *possqlite.Store, branchID string) error {
	sale := &possync.PendingTransaction{
		ID:              uuid.New(),
		BranchID:        branchID,
		TransactionCode: fmt.Sprintf("DEMO-%d", time.Now().Unix()),
		TotalAmount:     decimal.NewFromInt(700),
		PaymentMethod:   possync.PaymentCash,
		Items: []possync.PendingTransactionItem{
			{MenuName: "Yakisoba", Quantity: 2, UnitPrice: decimal.NewFromInt(300), Subtotal: decimal.NewFromInt(600)},
			{MenuName: "Ramune", Quantity: 1, UnitPrice: decimal.NewFromInt(100), Subtotal: decimal.NewFromInt(100)},
		},
		CreatedAt: time.Now(),
	}
	if err := store.AppendTransaction(ctx, sale); err != nil {
		return err
	}

	for _, delta := range []int64{1, 1, -1, 5} {
		vc := &possync.PendingVisitorCount{
			ID:        uuid.New(),
			BranchID:  branchID,
			Count:     delta,
			Timestamp: time.Now(),
			Group:     possync.GroupGeneral,
		}
		if err := store.AppendVisitorCount(ctx, vc); err != nil {
			return err
		}
	}
	return nil
}
