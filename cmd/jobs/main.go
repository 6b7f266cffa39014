// Package main is the entrypoint for the maintenance jobs Lambda function.
//
// The function acts as a maintenance multiplexer. EventBridge rules send JSON
// payloads naming a TaskType, and the handler routes execution to the matching
// scheduler service: the monthly usage rollover or the usage window archival.
// Consolidating the low-frequency maintenance tasks into one Lambda keeps cold
// starts and infrastructure sprawl down.
//
// Both tasks are safe to invoke concurrently with themselves. The rollover
// re-checks each candidate under a row lock, and the archival's writes are
// idempotent, so no distributed job lock is needed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"

	"receiptwise/internal/config"
	"receiptwise/internal/db"
	"receiptwise/internal/metrics"
	"receiptwise/internal/scheduler"
)

// RolloverRunner advances monthly usage state for users whose reset is due.
type RolloverRunner interface {
	Run(ctx context.Context, now time.Time) (scheduler.RolloverResult, error)
}

// ArchiveRunner compresses and moves closed usage windows to cold storage.
type ArchiveRunner interface {
	Run(ctx context.Context, now time.Time) (scheduler.ArchiveResult, error)
}

// Handler holds the dependencies for the maintenance Lambda handler function.
// Fields are interfaces to enable testing; in production they are backed by
// the concrete scheduler services, eagerly initialized during cold start and
// reused across invocations.
type Handler struct {
	Rollover RolloverRunner
	Archive  ArchiveRunner
	Recorder metrics.Recorder
	WorkerID string
	Logger   *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge, routing to the
// appropriate scheduler service based on the TaskType. The optional
// ReferenceTime field overrides the wall clock, which lets operators replay
// a missed run for a past period.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	items, execErr := h.dispatch(ctx, payload.Task, now)
	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result,
		"task", taskStr,
		"items", items,
	)

	return result, nil
}

// dispatch routes a TaskType to the appropriate scheduler service.
// Returns the number of items processed and any error.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int, error) {
	switch task {
	case scheduler.TaskMonthlyRollover:
		result, err := h.Rollover.Run(ctx, now)
		if h.Recorder != nil {
			h.Recorder.RecordRollover(ctx, result.Processed, result.Failed)
		}
		if err != nil {
			return result.Processed, err
		}
		if result.Failed > 0 {
			// Failed users retry on the next scheduled run; surface the count
			// so the invocation shows up as a partial failure.
			return result.Processed, fmt.Errorf("%d of %d users failed to roll over", result.Failed, result.Processed+result.Failed)
		}
		return result.Processed, nil

	case scheduler.TaskUsageArchive:
		result, err := h.Archive.Run(ctx, now)
		if err != nil {
			return result.Archived, err
		}
		if result.Failed > 0 {
			return result.Archived, fmt.Errorf("%d windows failed to archive", result.Failed)
		}
		return result.Archived, nil

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	stores := db.NewBillingStores(pool, logger)

	rollover := scheduler.NewRolloverService(
		stores,
		stores.Subscriptions(),
		cfg.Usage.RolloverBatchSize,
		cfg.Usage.RolloverConcurrency,
		logger,
	)

	archive, err := scheduler.NewArchiveService(
		stores.Usage(),
		db.NewArchiveRepo(pool),
		cfg.Usage.ArchiveAfterMonths,
		cfg.Usage.RolloverBatchSize,
		logger,
	)
	if err != nil {
		logger.Error("failed to create archive service", "error", err)
		os.Exit(1)
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Observability.EnableMetrics {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("failed to load AWS configuration", "error", err)
			os.Exit(1)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		recorder = metrics.NewCloudWatchRecorder(client, cfg.Observability.MetricNamespace, logger)
	}

	// The worker ID distinguishes Lambda instances in logs when EventBridge
	// fires overlapping invocations.
	handler := &Handler{
		Rollover: rollover,
		Archive:  archive,
		Recorder: recorder,
		WorkerID: uuid.New().String(),
		Logger:   logger,
	}

	logger.Info("maintenance Lambda initialized", "worker_id", handler.WorkerID)

	lambda.Start(handler.Handle)
}
