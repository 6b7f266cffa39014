package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"receiptwise/internal/types"
)

// ============================================================
// Mock: archive source + sink
// ============================================================

type mockArchiveSource struct {
	windows   []types.UsageWindow
	listErr   error
	deleteErr error
	deleted   []string
}

func (m *mockArchiveSource) ListClosedBefore(_ context.Context, cutoffMonth string, limit int) ([]types.UsageWindow, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []types.UsageWindow
	for _, w := range m.windows {
		if w.Month >= cutoffMonth || m.isDeleted(w.ID) {
			continue
		}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockArchiveSource) isDeleted(id string) bool {
	for _, d := range m.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func (m *mockArchiveSource) Delete(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}

type mockArchiveSink struct {
	blobs     map[string][]byte
	insertErr map[string]error
}

func newMockArchiveSink() *mockArchiveSink {
	return &mockArchiveSink{
		blobs:     map[string][]byte{},
		insertErr: map[string]error{},
	}
}

func (m *mockArchiveSink) Insert(_ context.Context, windowID, _, _ string, blob []byte) error {
	if err := m.insertErr[windowID]; err != nil {
		return err
	}
	m.blobs[windowID] = blob
	return nil
}

func closedWindow(userID, month string, receipts int) types.UsageWindow {
	return types.UsageWindow{
		ID:               userID + "_" + month,
		UserID:           userID,
		Month:            month,
		ReceiptsUploaded: receipts,
		Limits:           types.TierLimits{MaxReceipts: 200},
	}
}

// ============================================================
// Tests
// ============================================================

func TestArchive_CompressesAndDeletes(t *testing.T) {
	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	source := &mockArchiveSource{windows: []types.UsageWindow{
		closedWindow("user-1", "2026-01", 38),
		closedWindow("user-2", "2026-02", 7),
	}}
	sink := newMockArchiveSink()

	svc, err := NewArchiveService(source, sink, 6, 100, schedulerTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(source.deleted) != 2 {
		t.Fatalf("expected 2 deleted windows, got %v", source.deleted)
	}

	// The stored blob must decompress back to the window snapshot.
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("creating decoder: %v", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(sink.blobs["user-1_2026-01"], nil)
	if err != nil {
		t.Fatalf("decompressing blob: %v", err)
	}
	var snap windowSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshaling snapshot: %v", err)
	}
	if snap.UserID != "user-1" || snap.Month != "2026-01" || snap.ReceiptsUploaded != 38 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestArchive_SkipsWindowsInsideRetention(t *testing.T) {
	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	source := &mockArchiveSource{windows: []types.UsageWindow{
		closedWindow("user-1", "2026-01", 1), // cutoff is 2026-03, archived
		closedWindow("user-2", "2026-05", 1), // inside retention, kept
	}}
	sink := newMockArchiveSink()

	svc, err := NewArchiveService(source, sink, 6, 100, schedulerTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, ok := sink.blobs["user-2_2026-05"]; ok {
		t.Error("window inside retention was archived")
	}
}

func TestArchive_InsertFailureLeavesRowInPlace(t *testing.T) {
	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	source := &mockArchiveSource{windows: []types.UsageWindow{
		closedWindow("user-1", "2026-01", 1),
		closedWindow("user-2", "2026-01", 2),
	}}
	sink := newMockArchiveSink()
	sink.insertErr["user-1_2026-01"] = errors.New("storage full")

	svc, err := NewArchiveService(source, sink, 6, 100, schedulerTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, id := range source.deleted {
		if id == "user-1_2026-01" {
			t.Error("failed window was deleted")
		}
	}
}

func TestArchive_StopsWhenBatchMakesNoProgress(t *testing.T) {
	now := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	source := &mockArchiveSource{windows: []types.UsageWindow{
		closedWindow("user-1", "2026-01", 1),
		closedWindow("user-2", "2026-01", 2),
	}}
	sink := newMockArchiveSink()
	sink.insertErr["user-1_2026-01"] = errors.New("storage full")
	sink.insertErr["user-2_2026-01"] = errors.New("storage full")

	// Batch size 1 would refetch the same failing row forever without the
	// progress guard.
	svc, err := NewArchiveService(source, sink, 6, 1, schedulerTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := svc.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Archived != 0 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestArchive_ListErrorAborts(t *testing.T) {
	source := &mockArchiveSource{listErr: errors.New("db down")}
	svc, err := NewArchiveService(source, newMockArchiveSink(), 6, 100, schedulerTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Run(context.Background(), time.Now().UTC()); err == nil {
		t.Fatal("expected error")
	}
}
