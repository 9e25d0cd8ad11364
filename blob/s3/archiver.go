package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"polymarket-papertrader/config"
	"polymarket-papertrader/storage"
)

const (
	// cursorKey is the run_state key holding the last archived snapshot id.
	cursorKey = "archive:last_snapshot_id"

	// archiveBatchSize bounds how many snapshots one pass exports.
	archiveBatchSize = 10000

	// uploadPartSize is the multipart chunk size (S3 minimum is 5 MiB).
	uploadPartSize int64 = 5 * 1024 * 1024
)

// SnapshotSource is the slice of the store the archiver reads and the
// cursor it persists between passes.
type SnapshotSource interface {
	SnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]storage.SnapshotRow, error)
	GetRunState(ctx context.Context, key string) (string, error)
	SetRunState(ctx context.Context, key, value string) error
}

// Uploader is the blob write operation the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// Archiver exports order book snapshots older than the retention window to
// object storage as JSONL, advancing a snapshot-id cursor in run_state so
// each row is exported exactly once. Rows stay in the primary store;
// pruning is a separate explicit step.
type Archiver struct {
	uploader Uploader
	store    SnapshotSource
	cfg      config.ArchiveConfig
}

// NewArchiver creates the snapshot archiver.
func NewArchiver(uploader Uploader, store SnapshotSource, cfg config.ArchiveConfig) *Archiver {
	return &Archiver{uploader: uploader, store: store, cfg: cfg}
}

// RunOnce exports one batch of expired snapshots. Implements the worker Job
// contract.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

	cursor, err := a.loadCursor(ctx)
	if err != nil {
		return fmt.Errorf("s3blob: load cursor: %w", err)
	}

	snaps, err := a.store.SnapshotsBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return fmt.Errorf("s3blob: query snapshots: %w", err)
	}

	pending := snaps[:0]
	for _, s := range snaps {
		if s.ID > cursor {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	buf, err := marshalJSONL(pending)
	if err != nil {
		return fmt.Errorf("s3blob: marshal snapshots: %w", err)
	}

	firstID := pending[0].ID
	lastID := pending[len(pending)-1].ID
	key := a.objectKey(pending[0].CapturedAt, firstID, lastID)

	if err := a.uploader.Upload(ctx, key, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}

	if err := a.store.SetRunState(ctx, cursorKey, strconv.FormatInt(lastID, 10)); err != nil {
		return fmt.Errorf("s3blob: advance cursor: %w", err)
	}

	log.Printf("[Archive] Exported %d snapshots to %s (ids %d..%d)",
		len(pending), key, firstID, lastID)
	return nil
}

func (a *Archiver) loadCursor(ctx context.Context) (int64, error) {
	raw, err := a.store.GetRunState(ctx, cursorKey)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad cursor %q: %w", raw, err)
	}
	return id, nil
}

// objectKey partitions exports by the capture date of the batch's first row.
//
//	snapshots/2026/08/23/snapshots-000042-000197.jsonl
func (a *Archiver) objectKey(capturedAt time.Time, firstID, lastID int64) string {
	return fmt.Sprintf("%s/%s/snapshots-%06d-%06d.jsonl",
		a.cfg.Prefix, capturedAt.UTC().Format("2006/01/02"), firstID, lastID)
}

// S3Uploader uploads via the multipart manager against a Client.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader creates an Uploader bound to the client's bucket.
func NewS3Uploader(c *Client) *S3Uploader {
	return &S3Uploader{client: c.S3(), bucket: c.Bucket()}
}

// Upload streams the body to the given key as NDJSON.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	uploader := manager.NewUploader(u.client, func(up *manager.Uploader) {
		up.PartSize = uploadPartSize
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/x-ndjson"),
	})
	return err
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
