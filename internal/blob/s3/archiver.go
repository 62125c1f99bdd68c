package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Archiver implements domain.TradeArchiver by serializing closed trades to
// JSONL and uploading the batch to the configured bucket. Deletion from the
// primary store is not performed here; the retention sweeper deletes only
// after the uploaded object has been verified.
type Archiver struct {
	writer *Writer
	reader *Reader
	now    func() time.Time
}

// NewArchiver creates an Archiver backed by the given client.
func NewArchiver(c *Client) *Archiver {
	return &Archiver{
		writer: NewWriter(c),
		reader: NewReader(c),
		now:    time.Now,
	}
}

// Archive uploads the given closed trades as one JSONL object and returns
// the object key. Keys are partitioned by the month of the oldest trade in
// the batch and suffixed with the upload timestamp so repeated sweeps never
// collide:
//
//	archive/closed_trades/2026-07/20260806T031500Z-142.jsonl
func (a *Archiver) Archive(ctx context.Context, trades []domain.ClosedTrade) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := a.archivePath(trades)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive upload: %w", err)
	}

	return path, nil
}

// Verify confirms the uploaded object exists before the caller deletes the
// archived rows from the primary store.
func (a *Archiver) Verify(ctx context.Context, path string) error {
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: verify archive %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("s3blob: verify archive %s: %w", path, ErrNotFound)
	}
	return nil
}

func (a *Archiver) archivePath(trades []domain.ClosedTrade) string {
	oldest := trades[0].ClosedAt
	for _, t := range trades[1:] {
		if t.ClosedAt.Before(oldest) {
			oldest = t.ClosedAt
		}
	}
	return fmt.Sprintf("archive/closed_trades/%s/%s-%d.jsonl",
		oldest.UTC().Format("2006-01"),
		a.now().UTC().Format("20060102T150405Z"),
		len(trades),
	)
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
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

// Compile-time interface check.
var _ domain.TradeArchiver = (*Archiver)(nil)
