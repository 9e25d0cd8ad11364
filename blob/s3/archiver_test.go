package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"polymarket-papertrader/config"
	"polymarket-papertrader/models"
	"polymarket-papertrader/storage"
)

type mockUploader struct {
	Calls       int
	Keys        []string
	Bodies      [][]byte
	ErrorOnNext error
}

func (m *mockUploader) Upload(ctx context.Context, key string, body io.Reader) error {
	m.Calls++
	if m.ErrorOnNext != nil {
		err := m.ErrorOnNext
		m.ErrorOnNext = nil
		return err
	}
	data, _ := io.ReadAll(body)
	m.Keys = append(m.Keys, key)
	m.Bodies = append(m.Bodies, data)
	return nil
}

func snapshotRow(id int64, tokenID string, capturedAt time.Time) storage.SnapshotRow {
	return storage.SnapshotRow{
		ID: id,
		OrderBookSnapshot: models.OrderBookSnapshot{
			TokenID:    tokenID,
			Bids:       []models.BookLevel{{Price: 0.5, Size: 100}},
			CapturedAt: capturedAt,
		},
	}
}

func testArchiveConfig() config.ArchiveConfig {
	return config.ArchiveConfig{
		Bucket:        "test-bucket",
		Prefix:        "snapshots",
		RetentionDays: 30,
		IntervalHours: 24,
	}
}

func TestRunOnceExportsAndAdvancesCursor(t *testing.T) {
	store := storage.NewMockStore()
	old := time.Now().UTC().AddDate(0, 0, -60)
	store.Snapshots = []storage.SnapshotRow{
		snapshotRow(1, "token1", old),
		snapshotRow(2, "token2", old.Add(time.Hour)),
	}
	uploader := &mockUploader{}
	a := NewArchiver(uploader, store, testArchiveConfig())

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if uploader.Calls != 1 {
		t.Fatalf("uploads = %d, want 1", uploader.Calls)
	}
	if got := store.RunState[cursorKey]; got != "2" {
		t.Errorf("cursor = %q, want 2", got)
	}

	// Two NDJSON lines, decodable individually.
	lines := bytes.Split(bytes.TrimSpace(uploader.Bodies[0]), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d JSONL lines, want 2", len(lines))
	}
	var row storage.SnapshotRow
	if err := json.Unmarshal(lines[0], &row); err != nil {
		t.Fatalf("line 0 not valid JSON: %v", err)
	}
	if row.TokenID != "token1" {
		t.Errorf("line 0 token = %s, want token1", row.TokenID)
	}
}

func TestRunOnceSkipsAlreadyArchived(t *testing.T) {
	store := storage.NewMockStore()
	old := time.Now().UTC().AddDate(0, 0, -60)
	store.Snapshots = []storage.SnapshotRow{
		snapshotRow(1, "token1", old),
		snapshotRow(2, "token2", old),
	}
	store.RunState[cursorKey] = "2"
	uploader := &mockUploader{}
	a := NewArchiver(uploader, store, testArchiveConfig())

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if uploader.Calls != 0 {
		t.Errorf("uploads = %d, want 0 when cursor is ahead", uploader.Calls)
	}
}

func TestRunOnceIgnoresRecentSnapshots(t *testing.T) {
	store := storage.NewMockStore()
	store.Snapshots = []storage.SnapshotRow{
		snapshotRow(1, "token1", time.Now().UTC().Add(-time.Hour)),
	}
	uploader := &mockUploader{}
	a := NewArchiver(uploader, store, testArchiveConfig())

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if uploader.Calls != 0 {
		t.Errorf("uploads = %d, want 0 inside retention window", uploader.Calls)
	}
}

func TestRunOnceKeepsCursorOnUploadFailure(t *testing.T) {
	store := storage.NewMockStore()
	old := time.Now().UTC().AddDate(0, 0, -60)
	store.Snapshots = []storage.SnapshotRow{snapshotRow(1, "token1", old)}
	uploader := &mockUploader{ErrorOnNext: io.ErrUnexpectedEOF}
	a := NewArchiver(uploader, store, testArchiveConfig())

	if err := a.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failed upload")
	}
	if got := store.RunState[cursorKey]; got != "" {
		t.Errorf("cursor = %q, want unset after failed upload", got)
	}
}

func TestObjectKeyLayout(t *testing.T) {
	a := NewArchiver(&mockUploader{}, storage.NewMockStore(), testArchiveConfig())
	capturedAt := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	got := a.objectKey(capturedAt, 42, 197)
	want := "snapshots/2026/08/23/snapshots-000042-000197.jsonl"
	if got != want {
		t.Errorf("objectKey = %q, want %q", got, want)
	}
}
