package storage

import (
	"context"
	"log/slog"
	"path"
	"time"
)

// RecordLookup reports which storage names in a feature are still referenced.
// database.FileRepository satisfies it.
type RecordLookup interface {
	ExistingStorageNames(ctx context.Context, feature string, names []string) (map[string]bool, error)
}

// CleanupService periodically removes stored objects that have no
// uploaded_files record, such as files left behind when the database write
// after an upload failed.
type CleanupService struct {
	records  RecordLookup
	store    Store
	features []string
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service. Objects younger than
// grace are never removed, so uploads still in flight are left alone.
func NewCleanupService(records RecordLookup, store Store, features []string, interval, grace time.Duration) *CleanupService {
	return &CleanupService{
		records:  records,
		store:    store,
		features: features,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "grace_period", cs.grace)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce sweeps every feature directory and returns the number of orphaned
// objects removed.
func (cs *CleanupService) RunOnce(ctx context.Context) int {
	var cleaned, failed int
	cutoff := cs.now().Add(-cs.grace)

	for _, feature := range cs.features {
		objects, err := cs.store.List(ctx, feature+"/")
		if err != nil {
			slog.Error("failed to list stored objects", "feature", feature, "error", err)
			continue
		}

		var candidates []Object
		var names []string
		for _, obj := range objects {
			if obj.ModTime.After(cutoff) {
				continue
			}
			candidates = append(candidates, obj)
			names = append(names, path.Base(obj.Key))
		}
		if len(candidates) == 0 {
			continue
		}

		existing, err := cs.records.ExistingStorageNames(ctx, feature, names)
		if err != nil {
			slog.Error("failed to look up file records", "feature", feature, "error", err)
			continue
		}

		for _, obj := range candidates {
			if existing[path.Base(obj.Key)] {
				continue
			}
			if err := cs.store.Delete(ctx, obj.Key); err != nil {
				slog.Error("failed to delete orphaned object", "key", obj.Key, "error", err)
				failed++
				continue
			}
			cleaned++
			slog.Info("removed orphaned object", "key", obj.Key, "size", obj.Size, "modified_at", obj.ModTime)
		}
	}

	slog.Info("cleanup cycle complete", "cleaned", cleaned, "failed", failed)
	return cleaned
}
