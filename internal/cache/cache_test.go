package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := Open(Config{DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return New(db)
}

func TestInsertAndLookupRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	err := c.Insert(ctx, FileNode{FileID: 1, ParentID: 0, Name: "config", IsDir: false, Size: 5, Etag: "abc123"})
	require.NoError(t, err)

	node, err := c.Lookup(ctx, 0, "config")
	require.NoError(t, err)
	require.Equal(t, int64(1), node.FileID)
	require.Equal(t, int64(5), node.Size)
	require.Equal(t, "abc123", node.Etag)
}

func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, err := c.Lookup(ctx, 0, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertUpsertsOnConflict(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 0, Name: "k", Size: 2, Etag: "v1"}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 0, Name: "k", Size: 9, Etag: "v2"}))

	node, err := c.Lookup(ctx, 0, "k")
	require.NoError(t, err)
	require.Equal(t, int64(9), node.Size)
	require.Equal(t, "v2", node.Etag)
}

// An overwrite upload can hand back a fresh file_id for a name the cache
// already holds under an old one; Insert must replace the stale row rather
// than trip over the (parent_id, name) unique index.
func TestInsertReplacesStaleRowWhenFileIDChanges(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 0, Name: "k", Size: 2, Etag: "v1"}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 2, ParentID: 0, Name: "k", Size: 9, Etag: "v2"}))

	node, err := c.Lookup(ctx, 0, "k")
	require.NoError(t, err)
	require.Equal(t, int64(2), node.FileID)
	require.Equal(t, int64(9), node.Size)
	require.Equal(t, "v2", node.Etag)

	nodes, err := c.List(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "the stale file_id row must be gone")
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 42, ParentID: 0, Name: "x"}))
	require.NoError(t, c.Delete(ctx, 42))
	require.NoError(t, c.Delete(ctx, 42)) // deleting again is not an error

	_, err := c.Lookup(ctx, 0, "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAndListIn(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 10, Name: "a", Size: 1}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 2, ParentID: 10, Name: "b", Size: 2}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 3, ParentID: 20, Name: "c", Size: 3}))

	nodes, err := c.List(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	nodes, err = c.ListIn(ctx, []int64{10, 20}, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	nodes, err = c.ListIn(ctx, nil, nil)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestListFiltersByIsDir(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 10, Name: "sub", IsDir: true}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 2, ParentID: 10, Name: "obj", Size: 4}))

	dirs, err := c.List(ctx, 10, OnlyDirs)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	require.Equal(t, "sub", dirs[0].Name)

	files, err := c.ListIn(ctx, []int64{10}, OnlyFiles)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "obj", files[0].Name)
}

func TestHasChildren(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	has, err := c.HasChildren(ctx, 99)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 99, Name: "a"}))

	has, err = c.HasChildren(ctx, 99)
	require.NoError(t, err)
	require.True(t, has)
}

func TestReplaceChildrenDropsStaleSiblings(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 10, Name: "stale"}))

	err := c.ReplaceChildren(ctx, 10, []FileNode{
		{FileID: 2, ParentID: 10, Name: "fresh-a"},
		{FileID: 3, ParentID: 10, Name: "fresh-b"},
	})
	require.NoError(t, err)

	nodes, err := c.List(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	_, err = c.Lookup(ctx, 10, "stale")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePathWalksEachSegment(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Insert(ctx, FileNode{FileID: 1, ParentID: 0, Name: "data", IsDir: true}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 2, ParentID: 1, Name: "aa", IsDir: true}))
	require.NoError(t, c.Insert(ctx, FileNode{FileID: 3, ParentID: 2, Name: "aabbcc", Size: 7}))

	node, err := c.ResolvePath(ctx, 0, []string{"data", "aa", "aabbcc"})
	require.NoError(t, err)
	require.Equal(t, int64(3), node.FileID)
	require.Equal(t, int64(7), node.Size)

	_, err = c.ResolvePath(ctx, 0, []string{"data", "zz", "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

// TestListInScalesToSixHundredThousandRows exercises the large-listing
// requirement: a data/ tree sharded across all 256 two-hex-character prefixes,
// 600,000 objects total, aggregated by ListIn in a single query. The
// assertion on wall-clock time only covers the listing itself, not the bulk
// seed insert that precedes it.
func TestListInScalesToSixHundredThousandRows(t *testing.T) {
	if testing.Short() {
		t.Skip("large-scale listing check skipped in -short mode")
	}

	ctx := context.Background()
	c := newTestCache(t)

	const totalRows = 600_000
	const numShards = 256

	parentIDs := make([]int64, numShards)
	for i := range parentIDs {
		parentIDs[i] = int64(1_000_000 + i)
	}

	nodes := make([]FileNode, totalRows)
	for i := 0; i < totalRows; i++ {
		nodes[i] = FileNode{
			FileID:   int64(i + 1),
			ParentID: parentIDs[i%numShards],
			Name:     strconv.FormatInt(int64(i+1), 16),
			Size:     int64(i),
		}
	}

	require.NoError(t, c.writer.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&nodes, 500).Error
	}))

	start := time.Now()
	got, err := c.ListIn(ctx, parentIDs, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, got, totalRows)
	require.Less(t, elapsed, time.Second,
		"ListIn across %d shards (%d rows) took %s, want under 1s", numShards, totalRows, elapsed)
}

func TestWarmupCompletedRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	done, err := c.WarmupCompleted(ctx)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, c.MarkWarmupCompleted(ctx))

	done, err = c.WarmupCompleted(ctx)
	require.NoError(t, err)
	require.True(t, done)
}
