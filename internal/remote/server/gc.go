package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/collab/internal/store"
)

// GCResult contains the outcome of a snapshot garbage collection run.
type GCResult struct {
	SnapshotsScanned int `json:"snapshots_scanned"`
	SnapshotsDeleted int `json:"snapshots_deleted"`
	LiveDocuments    int `json:"live_documents"`
}

// GarbageCollect removes snapshots not updated for maxAge whose document is
// not held by a live room. A non-positive maxAge deletes nothing.
func GarbageCollect(ctx context.Context, snapshots store.SnapshotStore, live map[string]bool, maxAge time.Duration, now time.Time, logger *slog.Logger) (*GCResult, error) {
	result := &GCResult{LiveDocuments: len(live)}

	all, err := snapshots.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	result.SnapshotsScanned = len(all)

	if maxAge <= 0 {
		return result, nil
	}
	cutoff := now.Add(-maxAge)

	for _, snap := range all {
		if live[snap.DocumentID] || !snap.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := snapshots.Delete(ctx, snap.DocumentID); err != nil {
			logger.Warn("gc: failed to delete snapshot", "document", snap.DocumentID, "error", err)
			continue
		}
		result.SnapshotsDeleted++
	}

	logger.Info("gc complete",
		"scanned", result.SnapshotsScanned,
		"live", result.LiveDocuments,
		"deleted", result.SnapshotsDeleted,
	)

	return result, nil
}
