package batch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/loom-labs/loom-go/internal/domain"
)

const ingestConcurrency = 4

// ingest scans the uploaded archive and records what it found on the batch.
// It runs after CreateBatch has returned, so it loads the batch fresh and
// re-acquires the batch lock for the final status write.
func (o *Orchestrator) ingest(ctx context.Context, batchID string) {
	b, err := o.getBatch(ctx, batchID)
	if err != nil {
		o.logger.Error("ingestion could not load batch", "batch_id", batchID, "error", err)
		return
	}

	files, size, err := o.scanUpload(ctx, b.UploadRef)
	if err != nil {
		o.logger.Error("ingestion failed", "batch_id", batchID, "error", err)
		if stateErr := o.transition(ctx, batchID, domain.BatchStateError); stateErr != nil {
			o.logger.Error("failed to mark batch errored after ingestion failure",
				"batch_id", batchID, "error", stateErr)
		}
		return
	}

	err = o.mutate(ctx, batchID, func(b *domain.Batch) error {
		if b.StatusParams == nil {
			b.StatusParams = domain.Metadata{}
		}
		b.StatusParams["ingested_files"] = files
		b.StatusParams["ingested_bytes"] = size
		return nil
	})
	if err != nil {
		o.logger.Error("failed to record ingestion result", "batch_id", batchID, "error", err)
		return
	}
	o.logger.Info("batch upload ingested",
		"batch_id", batchID,
		"files", files,
		"bytes", size)
}

// scanUpload walks the uploaded archive's entries in parallel. A plain
// (non-zip) upload counts as a single file.
func (o *Orchestrator) scanUpload(ctx context.Context, uploadRef string) (int, int64, error) {
	body, info, err := o.store.Get(ctx, o.bucket, uploadRef)
	if err != nil {
		return 0, 0, domain.Wrap("LOOM-6202", domain.KindExternalIO, err, "read batch upload %s", uploadRef)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return 0, 0, domain.Wrap("LOOM-6203", domain.KindExternalIO, err, "read batch upload %s", uploadRef)
	}

	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return 1, info.Size, nil
	}

	var (
		files int64
		size  int64
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for _, entry := range archive.File {
		if strings.HasSuffix(entry.Name, "/") {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rc, err := entry.Open()
			if err != nil {
				return fmt.Errorf("open archive entry %s: %w", entry.Name, err)
			}
			n, err := io.Copy(io.Discard, rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("scan archive entry %s: %w", entry.Name, err)
			}
			atomic.AddInt64(&files, 1)
			atomic.AddInt64(&size, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return int(files), size, nil
}
