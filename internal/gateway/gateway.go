// Package gateway is the Cloud Client component: it composes the metadata
// cache with the raw cloud API client so every mutating operation updates
// the cache synchronously on success, per the cache/cloud consistency
// discipline the cache's design depends on.
package gateway

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/cache"
	"github.com/restic123gw/gateway/internal/cloudclient"
	"github.com/restic123gw/gateway/internal/gwerr"
)

// AccountRoot is the provider's sentinel parent ID denoting the account
// root, outside of any repository.
const AccountRoot int64 = 0

// MaxUploadSize is the provider's single-request upload ceiling.
const MaxUploadSize = 1 << 30 // 1 GiB

// Gateway is the shared, read-only handle every Restic handler holds.
type Gateway struct {
	cache *cache.Cache
	cloud *cloudclient.Client
	log   *zap.Logger
}

// New builds a Gateway over an already-open cache and cloud client.
func New(c *cache.Cache, cl *cloudclient.Client, log *zap.Logger) *Gateway {
	return &Gateway{cache: c, cloud: cl, log: log}
}

// Cache exposes the underlying cache for read-only lookups the handlers
// perform directly (HEAD, listings) without going through the cloud.
func (g *Gateway) Cache() *cache.Cache { return g.cache }

// EnsureDirectory creates the single child directory name under parentID if
// the cache doesn't already have it, returning its file ID either way. The
// cloud mkdir call itself is idempotent (the provider returns the existing
// ID on a name collision), so a concurrent creator racing this one still
// converges on the same ID; cloudclient additionally serializes same-key
// callers so their mkdir calls do not overlap. Callers that all missed the
// cache each still make their own mkdir call.
func (g *Gateway) EnsureDirectory(ctx context.Context, parentID int64, name string) (int64, error) {
	if node, err := g.cache.Lookup(ctx, parentID, name); err == nil {
		return node.FileID, nil
	} else if err != cache.ErrNotFound {
		return 0, err
	}

	dirID, err := g.cloud.EnsureDirectory(ctx, parentID, name)
	if err != nil {
		return 0, err
	}

	if err := g.cache.Insert(ctx, cache.FileNode{
		FileID:   dirID,
		ParentID: parentID,
		Name:     name,
		IsDir:    true,
	}); err != nil {
		return 0, err
	}
	return dirID, nil
}

// EnsurePath walks rootID through each of segments, creating any missing
// directory along the way, and returns the final directory's file ID.
func (g *Gateway) EnsurePath(ctx context.Context, rootID int64, segments ...string) (int64, error) {
	current := rootID
	for _, seg := range segments {
		id, err := g.EnsureDirectory(ctx, current, seg)
		if err != nil {
			return 0, err
		}
		current = id
	}
	return current, nil
}

// RefreshChildren lists parentID from the cloud and atomically replaces the
// cache's view of its children, returning the refreshed rows. Used by
// warmup and by the optional reconciliation job.
func (g *Gateway) RefreshChildren(ctx context.Context, parentID int64) ([]cache.FileNode, error) {
	remote, err := g.cloud.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}

	nodes := make([]cache.FileNode, 0, len(remote))
	for _, f := range remote {
		nodes = append(nodes, cache.FileNode{
			FileID:   f.FileID,
			ParentID: parentID,
			Name:     f.FileName,
			IsDir:    f.IsDir(),
			Size:     f.Size,
			Etag:     f.Etag,
		})
	}

	if err := g.cache.ReplaceChildren(ctx, parentID, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// UploadObject uploads data as name under parentID, overwriting any
// existing object of the same name, and updates the cache with the
// confirmed file ID, etag, and size only after the cloud call succeeds —
// the Upload state machine's Received → Hashed → Uploaded → CacheUpdated
// progression.
func (g *Gateway) UploadObject(ctx context.Context, parentID int64, name string, data []byte) (cache.FileNode, error) {
	const op = "gateway.UploadObject"

	if len(data) > MaxUploadSize {
		return cache.FileNode{}, gwerr.New(gwerr.PayloadTooLarge, op, "object exceeds 1 GiB single-shot upload limit")
	}

	// cloud.UploadObject polls the provider's completed flag internally and
	// only returns once the upload is confirmed complete (or errors out), so
	// the cache insert below never runs against an unconfirmed upload.
	fileID, etag, err := g.cloud.UploadObject(ctx, parentID, name, data)
	if err != nil {
		return cache.FileNode{}, err
	}

	node := cache.FileNode{
		FileID:   fileID,
		ParentID: parentID,
		Name:     name,
		IsDir:    false,
		Size:     int64(len(data)),
		Etag:     etag,
	}
	if err := g.cache.Insert(ctx, node); err != nil {
		// The upload is already confirmed on the cloud; a cache write
		// failure here is surfaced as an error (500) but does not roll the
		// upload back. A later warmup/reconcile pass repairs the cache.
		return node, gwerr.Wrap(gwerr.Cache, op, err)
	}
	return node, nil
}

// DownloadObject resolves the presigned download URL for fileID and streams
// the response, forwarding rangeHdr unchanged when the caller supplied one.
func (g *Gateway) DownloadObject(ctx context.Context, fileID int64, rangeHdr string) (*http.Response, error) {
	url, err := g.cloud.DownloadInfo(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return g.cloud.Fetch(ctx, url, rangeHdr)
}

// DeleteObject removes the cloud object and its cache row. Deleting an
// object absent from the cache is a caller-side no-op (handlers check the
// cache first so the cloud is never contacted for an already-gone name).
func (g *Gateway) DeleteObject(ctx context.Context, fileID int64) error {
	if err := g.cloud.DeleteObject(ctx, fileID); err != nil {
		return err
	}
	return g.cache.Delete(ctx, fileID)
}

// ResolveDir looks up the child directory name under parentID in the cache
// only, never contacting the cloud — used by read paths (listing, HEAD,
// GET) that must answer 404 for an absent directory rather than create it.
func (g *Gateway) ResolveDir(ctx context.Context, parentID int64, name string) (int64, error) {
	node, err := g.cache.Lookup(ctx, parentID, name)
	if err == cache.ErrNotFound {
		return 0, gwerr.Wrap(gwerr.NotFound, "gateway.ResolveDir", err)
	}
	if err != nil {
		return 0, err
	}
	return node.FileID, nil
}

// RepoRoot ensures the full repo_path directory chain exists under the
// account root and returns its file ID, splitting on "/" and skipping empty
// segments so a leading slash in the configured path is harmless.
func (g *Gateway) RepoRoot(ctx context.Context, repoPath string) (int64, error) {
	segments := strings.Split(repoPath, "/")
	nonEmpty := segments[:0]
	for _, s := range segments {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return g.EnsurePath(ctx, AccountRoot, nonEmpty...)
}
