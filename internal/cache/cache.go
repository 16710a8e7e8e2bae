package cache

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/restic123gw/gateway/internal/gwerr"
)

// ErrNotFound is returned by Lookup and ResolvePath when no node matches.
// Callers translate it to a 404 via gwerr.NotFound.
var ErrNotFound = errors.New("cache: node not found")

// Cache wraps a split reader/writer *gorm.DB pair with the file-tree
// operations the gateway needs. Reads run against the reader pool, writes
// against the single serialized writer connection, so a writer's fsync
// never stalls a concurrent read. Lookup (and so ResolvePath) translates
// gorm.ErrRecordNotFound into the package's own ErrNotFound, and
// WarmupCompleted reports it as false, so callers never depend on gorm's
// error types directly.
type Cache struct {
	writer *gorm.DB
	reader *gorm.DB
}

// New wraps an already-opened, migrated Handle.
func New(h *Handle) *Cache {
	return &Cache{writer: h.Writer, reader: h.Reader}
}

// Lookup finds the child of parentID named name.
func (c *Cache) Lookup(ctx context.Context, parentID int64, name string) (FileNode, error) {
	var n FileNode
	err := c.reader.WithContext(ctx).
		Where("parent_id = ? AND name = ?", parentID, name).
		First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileNode{}, ErrNotFound
	}
	if err != nil {
		return FileNode{}, gwerr.Wrap(gwerr.Cache, "cache.Lookup", err)
	}
	return n, nil
}

// OnlyDirs and OnlyFiles are the isDir filters for List and ListIn; a nil
// filter returns directories and files alike.
var (
	onlyDirs  = true
	onlyFiles = false

	OnlyDirs  = &onlyDirs
	OnlyFiles = &onlyFiles
)

// List returns the children of parentID, optionally filtered by isDir.
func (c *Cache) List(ctx context.Context, parentID int64, isDir *bool) ([]FileNode, error) {
	q := c.reader.WithContext(ctx).Where("parent_id = ?", parentID)
	if isDir != nil {
		q = q.Where("is_dir = ?", *isDir)
	}
	var nodes []FileNode
	if err := q.Find(&nodes).Error; err != nil {
		return nil, gwerr.Wrap(gwerr.Cache, "cache.List", err)
	}
	return nodes, nil
}

// ListIn returns every child across the given parent IDs in one query,
// used by the v2 restic listing endpoint to aggregate the data/xx shards
// under a single data/ listing without issuing 256 separate lookups.
func (c *Cache) ListIn(ctx context.Context, parentIDs []int64, isDir *bool) ([]FileNode, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	q := c.reader.WithContext(ctx).Where("parent_id IN ?", parentIDs)
	if isDir != nil {
		q = q.Where("is_dir = ?", *isDir)
	}
	var nodes []FileNode
	if err := q.Find(&nodes).Error; err != nil {
		return nil, gwerr.Wrap(gwerr.Cache, "cache.ListIn", err)
	}
	return nodes, nil
}

// HasChildren reports whether parentID already has at least one cached
// child, letting warmup skip re-listing directories it has already walked
// unless a rebuild was forced.
func (c *Cache) HasChildren(ctx context.Context, parentID int64) (bool, error) {
	var count int64
	if err := c.reader.WithContext(ctx).Model(&FileNode{}).Where("parent_id = ?", parentID).Count(&count).Error; err != nil {
		return false, gwerr.Wrap(gwerr.Cache, "cache.HasChildren", err)
	}
	return count > 0, nil
}

// Insert upserts a single node, keyed by file_id. Used after a successful
// upload or mkdir to keep the cache consistent without a full re-list.
//
// An overwrite upload can come back with a fresh file_id for a name that is
// already cached under an old one; the stale sibling row is dropped first so
// the (parent_id, name) unique index sees only the new identity.
func (c *Cache) Insert(ctx context.Context, n FileNode) error {
	n.UpdatedAt = time.Now()
	err := c.writer.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&FileNode{}, "parent_id = ? AND name = ? AND file_id <> ?", n.ParentID, n.Name, n.FileID).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"parent_id", "name", "is_dir", "size", "etag", "updated_at"}),
		}).Create(&n).Error
	})
	if err != nil {
		return gwerr.Wrap(gwerr.Cache, "cache.Insert", err)
	}
	return nil
}

// Delete removes a single node by file ID. Deleting an absent node is not
// an error: the Restic DELETE contract is idempotent.
func (c *Cache) Delete(ctx context.Context, fileID int64) error {
	if err := c.writer.WithContext(ctx).Delete(&FileNode{}, "file_id = ?", fileID).Error; err != nil {
		return gwerr.Wrap(gwerr.Cache, "cache.Delete", err)
	}
	return nil
}

// ReplaceChildren atomically replaces every cached child of parentID with
// nodes, used by warmup and reconciliation after a full page-through list
// of one directory so a stale sibling removed upstream doesn't linger.
func (c *Cache) ReplaceChildren(ctx context.Context, parentID int64, nodes []FileNode) error {
	return c.writer.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&FileNode{}, "parent_id = ?", parentID).Error; err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		now := time.Now()
		for i := range nodes {
			nodes[i].UpdatedAt = now
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"parent_id", "name", "is_dir", "size", "etag", "updated_at"}),
		}).Create(&nodes).Error
	})
}

// ResolvePath walks the cache from rootID through each path segment in
// order, returning the final node. It fails with ErrNotFound as soon as any
// segment is missing, mirroring a filesystem path lookup.
func (c *Cache) ResolvePath(ctx context.Context, rootID int64, segments []string) (FileNode, error) {
	current := rootID
	var node FileNode
	for _, seg := range segments {
		n, err := c.Lookup(ctx, current, seg)
		if err != nil {
			return FileNode{}, err
		}
		node = n
		current = n.FileID
	}
	return node, nil
}

// WarmupCompleted reports whether a previous run finished the startup walk.
func (c *Cache) WarmupCompleted(ctx context.Context) (bool, error) {
	var s WarmupState
	err := c.reader.WithContext(ctx).First(&s, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, gwerr.Wrap(gwerr.Cache, "cache.WarmupCompleted", err)
	}
	return !s.CompletedAt.IsZero(), nil
}

// MarkWarmupCompleted records that the startup walk finished successfully.
func (c *Cache) MarkWarmupCompleted(ctx context.Context) error {
	s := WarmupState{ID: 1, CompletedAt: time.Now()}
	err := c.writer.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"completed_at"}),
	}).Create(&s).Error
	if err != nil {
		return gwerr.Wrap(gwerr.Cache, "cache.MarkWarmupCompleted", err)
	}
	return nil
}
