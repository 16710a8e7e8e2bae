// Package warmup runs the startup walk that fills the metadata cache before
// the HTTP listener accepts traffic, so no request ever blocks on a first
// remote listing.
package warmup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/gateway"
	"github.com/restic123gw/gateway/internal/layout"
)

// Run walks the repository skeleton in a fixed order: the repo
// root, then each type directory, then (for data) each 00..ff prefix. For
// each directory, it skips listing if the cache already has children and
// forceRebuild is false — making an interrupted warmup resumable, since a
// restart re-skips every finished directory that has at least one cached
// child. A finished directory that is empty has no cached rows and is
// listed again on every run.
func Run(ctx context.Context, gw *gateway.Gateway, rootID int64, forceRebuild bool, log *zap.Logger) error {
	if err := warmDir(ctx, gw, rootID, forceRebuild, log); err != nil {
		return fmt.Errorf("warmup: repo root: %w", err)
	}

	typeIDs := make(map[string]int64, len(layout.TypeDirs))
	for _, t := range layout.TypeDirs {
		id, err := gw.EnsureDirectory(ctx, rootID, t)
		if err != nil {
			return fmt.Errorf("warmup: ensure type dir %q: %w", t, err)
		}
		typeIDs[t] = id

		if err := warmDir(ctx, gw, id, forceRebuild, log); err != nil {
			return fmt.Errorf("warmup: type dir %q: %w", t, err)
		}
	}

	dataID := typeIDs["data"]
	for _, prefix := range layout.DataPrefixes() {
		id, err := gw.EnsureDirectory(ctx, dataID, prefix)
		if err != nil {
			return fmt.Errorf("warmup: ensure data prefix %q: %w", prefix, err)
		}
		if err := warmDir(ctx, gw, id, forceRebuild, log); err != nil {
			return fmt.Errorf("warmup: data prefix %q: %w", prefix, err)
		}
	}

	if err := gw.Cache().MarkWarmupCompleted(ctx); err != nil {
		return fmt.Errorf("warmup: mark completed: %w", err)
	}

	log.Info("warmup completed")
	return nil
}

// warmDir lists dirID from the cloud unless it's already populated — the
// has-children short-circuit that makes an interrupted walk resumable.
func warmDir(ctx context.Context, gw *gateway.Gateway, dirID int64, forceRebuild bool, log *zap.Logger) error {
	if !forceRebuild {
		has, err := gw.Cache().HasChildren(ctx, dirID)
		if err != nil {
			return err
		}
		if has {
			log.Debug("warmup: skipping already-populated directory", zap.Int64("dir_id", dirID))
			return nil
		}
	}

	nodes, err := gw.RefreshChildren(ctx, dirID)
	if err != nil {
		return err
	}
	log.Debug("warmup: listed directory", zap.Int64("dir_id", dirID), zap.Int("children", len(nodes)))
	return nil
}
