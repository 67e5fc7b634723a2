package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Archiver migrates old sources from the hot tier to the cold archive.
// It runs as a background goroutine and is idempotent: sources already
// archived are skipped, and the hot copy is only deleted after the cold
// write has committed. A search racing an archival pass may miss the hot
// copy; the store's cold-tier fallback recovers it.
type Archiver struct {
	hot      *HotStore
	cold     *Archive
	interval time.Duration
	maxAge   time.Duration
}

// ArchiverConfig holds archiver tuning.
type ArchiverConfig struct {
	Interval time.Duration // how often to scan (default 24h)
	MaxAge   time.Duration // migrate sources older than this (default 30 days)
}

// NewArchiver creates an archiver with defaults applied.
func NewArchiver(hot *HotStore, cold *Archive, cfg ArchiverConfig) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	return &Archiver{
		hot:      hot,
		cold:     cold,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
	}
}

// Run starts the archival loop. Blocks until ctx is cancelled.
func (w *Archiver) Run(ctx context.Context) {
	slog.Info("vector archiver started", "interval", w.interval, "max_age", w.maxAge)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("vector archiver stopping")
			return
		case <-ticker.C:
			if moved, err := w.ArchiveOnce(ctx); err != nil {
				slog.Warn("archival cycle failed", "error", err)
			} else if moved > 0 {
				slog.Info("archival cycle complete", "sources_moved", moved)
			}
		}
	}
}

// ArchiveOnce runs a single archival cycle and returns the number of
// sources migrated.
func (w *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-w.maxAge)
	sources, err := w.hot.SourcesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sources: %w", err)
	}

	moved := 0
	for _, sourceID := range sources {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		ok, err := w.archiveSource(ctx, sourceID)
		if err != nil {
			slog.Warn("archive source failed", "source", sourceID, "error", err)
			continue
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (w *Archiver) archiveSource(ctx context.Context, sourceID string) (bool, error) {
	archived, err := w.cold.HasSource(ctx, sourceID)
	if err != nil {
		return false, err
	}
	if archived {
		// A previous pass wrote the archive but may have failed before
		// deleting the hot copy; finish the deletion.
		if _, err := w.hot.DeleteSource(ctx, sourceID); err != nil {
			return false, err
		}
		return false, nil
	}

	chunks, vectors, err := w.hot.DumpSource(ctx, sourceID)
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, nil
	}

	if err := w.cold.InsertChunks(ctx, chunks, vectors); err != nil {
		return false, err
	}
	if _, err := w.hot.DeleteSource(ctx, sourceID); err != nil {
		return false, fmt.Errorf("delete hot copy after archive: %w", err)
	}

	slog.Debug("source archived", "source", sourceID, "chunks", len(chunks))
	return true, nil
}
