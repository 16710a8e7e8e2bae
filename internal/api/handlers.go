package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/cache"
	"github.com/restic123gw/gateway/internal/gateway"
	"github.com/restic123gw/gateway/internal/gwerr"
	"github.com/restic123gw/gateway/internal/layout"
	"github.com/restic123gw/gateway/internal/metrics"
)

// resticAPIV2 is the content type Restic's v2 REST client negotiates for
// type listings.
const resticAPIV2 = "application/vnd.x.restic.rest.v2"

// Handler implements the Restic REST v2 surface over a Gateway.
type Handler struct {
	gw      *gateway.Gateway
	rootID  int64
	log     *zap.Logger
	metrics *metrics.Collector
}

// NewHandler builds a Handler. rootID is the file ID of the repository
// root, already ensured to exist (gateway.RepoRoot) before the listener binds.
func NewHandler(gw *gateway.Gateway, rootID int64, log *zap.Logger, m *metrics.Collector) *Handler {
	return &Handler{gw: gw, rootID: rootID, log: log, metrics: m}
}

// listItem is one element of a v2 type-listing response.
type listItem struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// CreateRepo handles POST /?create=true: ensure every type directory and
// the 256 data shard directories exist. Idempotent.
func (h *Handler) CreateRepo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("create") != "true" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	for _, t := range layout.TypeDirs {
		typeID, err := h.gw.EnsureDirectory(ctx, h.rootID, t)
		if err != nil {
			writeError(w, err)
			return
		}
		if t != "data" {
			continue
		}
		for _, prefix := range layout.DataPrefixes() {
			if _, err := h.gw.EnsureDirectory(ctx, typeID, prefix); err != nil {
				writeError(w, err)
				return
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// DeleteRepo handles DELETE /: whole-repository deletion is not supported.
func (h *Handler) DeleteRepo(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "repository deletion not implemented", http.StatusNotImplemented)
}

// HeadConfig, GetConfig, PostConfig treat "config" as a single object
// stored directly under the repository root.

func (h *Handler) HeadConfig(w http.ResponseWriter, r *http.Request) {
	h.headObjectIn(w, r, h.rootID, layout.ConfigName)
}

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.getObjectIn(w, r, h.rootID, layout.ConfigName)
}

func (h *Handler) PostConfig(w http.ResponseWriter, r *http.Request) {
	h.postObjectIn(w, r, h.rootID, layout.ConfigName)
}

// ListType handles GET /{type}/: a v2 listing of every object of that type.
// For type=data, results are aggregated across all 256 prefix directories.
func (h *Handler) ListType(w http.ResponseWriter, r *http.Request) {
	typeName := chi.URLParam(r, "type")
	if !layout.IsType(typeName) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if r.Header.Get("Accept") != resticAPIV2 {
		http.Error(w, "restic v2 API required for list objects", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	typeID, err := h.gw.ResolveDir(ctx, h.rootID, typeName)
	if err != nil {
		if isNotFound(err) {
			writeListing(w, nil)
			return
		}
		writeError(w, err)
		return
	}

	var nodes []cache.FileNode
	if typeName == "data" {
		prefixDirs, err := h.gw.Cache().List(ctx, typeID, cache.OnlyDirs)
		if err != nil {
			writeError(w, err)
			return
		}
		prefixIDs := make([]int64, 0, len(prefixDirs))
		for _, d := range prefixDirs {
			prefixIDs = append(prefixIDs, d.FileID)
		}
		nodes, err = h.gw.Cache().ListIn(ctx, prefixIDs, cache.OnlyFiles)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		nodes, err = h.gw.Cache().List(ctx, typeID, cache.OnlyFiles)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	items := make([]listItem, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, listItem{Name: n.Name, Size: n.Size})
	}
	writeListing(w, items)
}

// HeadObject answers from the cache only, never contacting the cloud.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	typeName, name := chi.URLParam(r, "type"), chi.URLParam(r, "name")
	dirID, err := h.resolveReadDir(r.Context(), typeName, name)
	if err != nil {
		if isNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}
	h.headObjectIn(w, r, dirID, name)
}

// GetObject streams the object body, forwarding a Range header if supplied.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	typeName, name := chi.URLParam(r, "type"), chi.URLParam(r, "name")
	dirID, err := h.resolveReadDir(r.Context(), typeName, name)
	if err != nil {
		if isNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}
	h.getObjectIn(w, r, dirID, name)
}

// PostObject uploads the request body with overwrite semantics, creating
// any missing directory prefix on demand.
func (h *Handler) PostObject(w http.ResponseWriter, r *http.Request) {
	typeName, name := chi.URLParam(r, "type"), chi.URLParam(r, "name")
	if !layout.IsType(typeName) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	ctx := r.Context()

	dirID, err := h.resolveWriteDir(ctx, typeName, name)
	if err != nil {
		writeError(w, err)
		return
	}
	h.postObjectIn(w, r, dirID, name)
}

// DeleteObject is idempotent: an absent object never reaches the cloud.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	typeName, name := chi.URLParam(r, "type"), chi.URLParam(r, "name")
	ctx := r.Context()

	dirID, err := h.resolveReadDir(ctx, typeName, name)
	if err != nil {
		if isNotFound(err) {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, err)
		return
	}

	node, err := h.gw.Cache().Lookup(ctx, dirID, name)
	if err != nil {
		if isNotFound(err) {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, err)
		return
	}

	if err := h.gw.DeleteObject(ctx, node.FileID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// resolveReadDir returns the cache-only parent directory ID an object of
// typeName/name lives under, resolving the data/xx shard when applicable.
// It never creates a directory — an absent segment is reported as NotFound.
func (h *Handler) resolveReadDir(ctx context.Context, typeName, name string) (int64, error) {
	if !layout.IsType(typeName) {
		return 0, gwerr.New(gwerr.NotFound, "api.resolveReadDir", "unknown object type")
	}
	typeID, err := h.gw.ResolveDir(ctx, h.rootID, typeName)
	if err != nil {
		return 0, err
	}
	if typeName != "data" {
		return typeID, nil
	}
	return h.gw.ResolveDir(ctx, typeID, layout.DataPrefix(name))
}

// resolveWriteDir is resolveReadDir's write-path counterpart: it creates any
// missing type or shard directory rather than reporting it absent.
func (h *Handler) resolveWriteDir(ctx context.Context, typeName, name string) (int64, error) {
	if typeName != "data" {
		return h.gw.EnsureDirectory(ctx, h.rootID, typeName)
	}
	typeID, err := h.gw.EnsureDirectory(ctx, h.rootID, "data")
	if err != nil {
		return 0, err
	}
	return h.gw.EnsureDirectory(ctx, typeID, layout.DataPrefix(name))
}

func (h *Handler) headObjectIn(w http.ResponseWriter, r *http.Request, dirID int64, name string) {
	node, err := h.gw.Cache().Lookup(r.Context(), dirID, name)
	if h.metrics != nil {
		h.metrics.ObserveCacheHit(err == nil)
	}
	if err != nil {
		if isNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getObjectIn(w http.ResponseWriter, r *http.Request, dirID int64, name string) {
	ctx := r.Context()
	node, err := h.gw.Cache().Lookup(ctx, dirID, name)
	if h.metrics != nil {
		h.metrics.ObserveCacheHit(err == nil)
	}
	if err != nil {
		if isNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}

	resp, err := h.gw.DownloadObject(ctx, node.FileID, r.Header.Get("Range"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status != http.StatusOK && status != http.StatusPartialContent {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, resp.Body)
}

func (h *Handler) postObjectIn(w http.ResponseWriter, r *http.Request, dirID int64, name string) {
	ctx := r.Context()

	limited := http.MaxBytesReader(w, r.Body, gateway.MaxUploadSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "request body exceeds 1 GiB limit", http.StatusBadRequest)
		return
	}
	if len(data) > gateway.MaxUploadSize {
		http.Error(w, "request body exceeds 1 GiB limit", http.StatusBadRequest)
		return
	}

	if _, err := h.gw.UploadObject(ctx, dirID, name, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
