// Package reconcile runs an optional, disabled-by-default background job
// that periodically re-lists every directory and refreshes the cache,
// repairing drift if the remote tree was touched outside this gateway. It
// walks the same directories as warmup and refreshes each through the same
// RefreshChildren/replace_children path, just on a recurring schedule
// instead of once at startup.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/gateway"
	"github.com/restic123gw/gateway/internal/layout"
)

// Reconciler wraps a gocron scheduler running one singleton-mode job: if the
// previous tick hasn't finished, the next one is skipped rather than queued.
type Reconciler struct {
	cron gocron.Scheduler
	log  *zap.Logger
}

// New creates a Reconciler that re-walks the repository rooted at rootID
// every interval. interval <= 0 means reconciliation is disabled — callers
// should not call Start in that case.
func New(gw *gateway.Gateway, rootID int64, interval time.Duration, log *zap.Logger) (*Reconciler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to create scheduler: %w", err)
	}
	log = log.Named("reconcile")

	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := walk(ctx, gw, rootID, log); err != nil {
				log.Error("reconciliation pass failed", zap.Error(err))
			}
		}),
		gocron.WithTags("reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("reconcile: failed to schedule job: %w", err)
	}

	return &Reconciler{cron: cron, log: log}, nil
}

// Start begins the recurring job.
func (r *Reconciler) Start() {
	r.cron.Start()
	r.log.Info("reconciliation scheduler started")
}

// Stop shuts the scheduler down, waiting for an in-flight pass to finish.
func (r *Reconciler) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reconcile: shutdown error: %w", err)
	}
	return nil
}

// walk re-lists the repository root, every type directory, and every data
// shard (the shards right after data itself, where warmup lists them after
// all type directories), always refreshing regardless of has_children
// since the point is to repair drift warmup already settled.
func walk(ctx context.Context, gw *gateway.Gateway, rootID int64, log *zap.Logger) error {
	if _, err := gw.RefreshChildren(ctx, rootID); err != nil {
		return fmt.Errorf("repo root: %w", err)
	}

	for _, t := range layout.TypeDirs {
		typeID, err := gw.EnsureDirectory(ctx, rootID, t)
		if err != nil {
			return fmt.Errorf("type dir %q: %w", t, err)
		}
		if _, err := gw.RefreshChildren(ctx, typeID); err != nil {
			return fmt.Errorf("type dir %q: %w", t, err)
		}

		if t != "data" {
			continue
		}
		for _, prefix := range layout.DataPrefixes() {
			prefixID, err := gw.EnsureDirectory(ctx, typeID, prefix)
			if err != nil {
				return fmt.Errorf("data prefix %q: %w", prefix, err)
			}
			if _, err := gw.RefreshChildren(ctx, prefixID); err != nil {
				return fmt.Errorf("data prefix %q: %w", prefix, err)
			}
		}
	}

	log.Info("reconciliation pass completed")
	return nil
}
