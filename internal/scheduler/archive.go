package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"receiptwise/internal/types"
)

// ArchiveSource lists and removes closed usage windows. Implemented by
// db.UsageWindowRepo.
type ArchiveSource interface {
	// ListClosedBefore returns windows for months strictly older than the
	// cutoff month (YYYY-MM).
	//
	// SQL: SELECT ... FROM usage_windows WHERE month < $1
	//      ORDER BY month, id LIMIT $2
	ListClosedBefore(ctx context.Context, cutoffMonth string, limit int) ([]types.UsageWindow, error)

	// Delete removes a window row after its snapshot has been archived.
	Delete(ctx context.Context, id string) error
}

// ArchiveSink stores compressed window snapshots. Implemented by
// db.ArchiveRepo.
type ArchiveSink interface {
	Insert(ctx context.Context, windowID, userID, month string, blob []byte) error
}

// ArchiveResult reports the outcome of one archival run.
type ArchiveResult struct {
	Archived int
	Failed   int
}

// ArchiveService moves closed usage windows past the retention horizon into
// the compressed archive table. Snapshots are zstd-compressed JSON; the row
// is deleted only after its snapshot is stored.
type ArchiveService struct {
	source      ArchiveSource
	sink        ArchiveSink
	encoder     *zstd.Encoder
	afterMonths int
	batchSize   int
	logger      *slog.Logger
}

// NewArchiveService creates an ArchiveService retaining afterMonths of
// closed windows. Defaults: 6 months retention, batches of 100.
func NewArchiveService(source ArchiveSource, sink ArchiveSink, afterMonths, batchSize int, logger *slog.Logger) (*ArchiveService, error) {
	if afterMonths <= 0 {
		afterMonths = 6
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &ArchiveService{
		source:      source,
		sink:        sink,
		encoder:     encoder,
		afterMonths: afterMonths,
		batchSize:   batchSize,
		logger:      logger,
	}, nil
}

// Run archives every closed window older than the retention cutoff as of now.
// Failed windows stay in place and are retried on the next scheduled run.
func (s *ArchiveService) Run(ctx context.Context, now time.Time) (ArchiveResult, error) {
	cutoff := now.UTC().AddDate(0, -s.afterMonths, 0).Format("2006-01")

	var result ArchiveResult
	for {
		windows, err := s.source.ListClosedBefore(ctx, cutoff, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("listing closed usage windows: %w", err)
		}
		if len(windows) == 0 {
			break
		}

		archivedThisBatch := 0
		for _, w := range windows {
			if err := s.archiveWindow(ctx, w); err != nil {
				result.Failed++
				s.logger.ErrorContext(ctx, "failed to archive usage window",
					"window_id", w.ID,
					"month", w.Month,
					"error", err,
				)
				continue
			}
			result.Archived++
			archivedThisBatch++
		}

		// Failed windows still match the cutoff query. If nothing in this
		// batch succeeded, stop instead of refetching the same rows.
		if archivedThisBatch == 0 || len(windows) < s.batchSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "usage window archival complete",
		"archived", result.Archived,
		"failed", result.Failed,
		"cutoff_month", cutoff,
	)
	return result, nil
}

func (s *ArchiveService) archiveWindow(ctx context.Context, w types.UsageWindow) error {
	snapshot, err := json.Marshal(windowSnapshot{
		ID:               w.ID,
		UserID:           w.UserID,
		Month:            w.Month,
		ReceiptsUploaded: w.ReceiptsUploaded,
		APICalls:         w.APICalls,
		ReportsGenerated: w.ReportsGenerated,
		Limits:           w.Limits,
		ResetDate:        w.ResetDate,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling window snapshot: %w", err)
	}

	blob := s.encoder.EncodeAll(snapshot, nil)

	if err := s.sink.Insert(ctx, w.ID, w.UserID, w.Month, blob); err != nil {
		return fmt.Errorf("storing window archive: %w", err)
	}
	if err := s.source.Delete(ctx, w.ID); err != nil {
		// The snapshot is stored; the leftover row is re-archived next run
		// and the insert treats the duplicate as a no-op.
		return fmt.Errorf("deleting archived window: %w", err)
	}
	return nil
}

// windowSnapshot is the serialized form stored in the archive blob.
type windowSnapshot struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Month            string           `json:"month"`
	ReceiptsUploaded int              `json:"receipts_uploaded"`
	APICalls         int              `json:"api_calls"`
	ReportsGenerated int              `json:"reports_generated"`
	Limits           types.TierLimits `json:"limits"`
	ResetDate        time.Time        `json:"reset_date"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
