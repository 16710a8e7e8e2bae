package cloudclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/cloudapi"
	"github.com/restic123gw/gateway/internal/gwerr"
	"github.com/restic123gw/gateway/internal/token"
)

type countingObserver struct{ retries int64 }

func (o *countingObserver) ObserveRetry(string) { atomic.AddInt64(&o.retries, 1) }

// stubServer is a minimal in-process double for the cloud provider: token
// issuance plus the upload-domain, mkdir, list, trash and delete endpoints,
// with enough behavior to exercise pagination and retry. Tests that need
// the upload or download-info endpoints register them themselves.
type stubServer struct {
	mux        *http.ServeMux
	nextFileID int64
	mkdirs     map[string]int64 // parentID/name -> dirID
	children   map[int64][]cloudapi.File
	trashedIDs map[int64]bool
	deletedIDs map[int64]bool

	// overrides lets a test swap a default endpoint behavior without
	// re-registering the path on the mux (which would panic).
	overrides map[string]http.HandlerFunc
}

// handle registers def for path, dispatching to a test override first.
func (s *stubServer) handle(path string, def http.HandlerFunc) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if h, ok := s.overrides[path]; ok {
			h(w, r)
			return
		}
		def(w, r)
	})
}

func (s *stubServer) override(path string, h http.HandlerFunc) {
	s.overrides[path] = h
}

func newStubServer() *stubServer {
	s := &stubServer{
		mux:        http.NewServeMux(),
		nextFileID: 100,
		mkdirs:     make(map[string]int64),
		children:   make(map[int64][]cloudapi.File),
		trashedIDs: make(map[int64]bool),
		deletedIDs: make(map[int64]bool),
		overrides:  make(map[string]http.HandlerFunc),
	}

	s.handle("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cloudapi.AccessTokenResponse{
			Data: struct {
				AccessToken string `json:"accessToken"`
				ExpiredAt   string `json:"expiredAt"`
			}{AccessToken: "tok", ExpiredAt: time.Now().Add(time.Hour).Format(time.RFC3339)},
		})
	})

	s.handle(uploadDomainPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cloudapi.UploadDomainResponse{Data: []string{"http://upload.invalid"}})
	})

	s.handle(mkdirPath, func(w http.ResponseWriter, r *http.Request) {
		var req cloudapi.MkdirRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		key := req.ParentID + "/" + req.Name
		id, ok := s.mkdirs[key]
		if !ok {
			id = atomic.AddInt64(&s.nextFileID, 1)
			s.mkdirs[key] = id
		}
		_ = json.NewEncoder(w).Encode(cloudapi.MkdirResponse{Data: struct {
			DirID int64 `json:"dirID"`
		}{DirID: id}})
	})

	s.handle(fileListPath, func(w http.ResponseWriter, r *http.Request) {
		parentID, _ := strconv.ParseInt(r.URL.Query().Get("parentFileId"), 10, 64)
		kids := s.children[parentID]
		_ = json.NewEncoder(w).Encode(cloudapi.FileListResponse{Data: struct {
			LastFileID int64            `json:"lastFileId"`
			FileList   []cloudapi.File `json:"fileList"`
		}{LastFileID: -1, FileList: kids}})
	})

	s.handle(trashPath, func(w http.ResponseWriter, r *http.Request) {
		var req cloudapi.TrashRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, id := range req.FileIDs {
			s.trashedIDs[id] = true
		}
		_ = json.NewEncoder(w).Encode(cloudapi.BaseResponse{})
	})

	s.handle(deletePath, func(w http.ResponseWriter, r *http.Request) {
		var req cloudapi.DeleteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, id := range req.FileIDs {
			s.deletedIDs[id] = true
		}
		_ = json.NewEncoder(w).Encode(cloudapi.BaseResponse{})
	})

	return s
}

func (s *stubServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(s.mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, obs RetryObserver) *Client {
	t.Helper()
	tokens := token.New(srv.Client(), srv.URL, "id", "secret")
	return New(srv.Client(), srv.URL, tokens, zap.NewNop(), obs)
}

func TestEnsureDirectoryReturnsStableID(t *testing.T) {
	stub := newStubServer()
	srv := stub.start(t)
	c := newTestClient(t, srv, nil)

	id1, err := c.EnsureDirectory(context.Background(), 0, "data")
	require.NoError(t, err)
	id2, err := c.EnsureDirectory(context.Background(), 0, "data")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestListChildrenFiltersTrashed(t *testing.T) {
	stub := newStubServer()
	stub.children[1] = []cloudapi.File{
		{FileID: 10, FileName: "a", Trashed: 0},
		{FileID: 11, FileName: "b", Trashed: 1},
		{FileID: 12, FileName: "c", Trashed: 0},
	}
	srv := stub.start(t)
	c := newTestClient(t, srv, nil)

	files, err := c.ListChildren(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestListChildrenPaginatesUntilSentinel(t *testing.T) {
	stub := newStubServer()
	stub.override(fileListPath, func(w http.ResponseWriter, r *http.Request) {
		last, _ := strconv.ParseInt(r.URL.Query().Get("lastFileId"), 10, 64)
		page := struct {
			LastFileID int64           `json:"lastFileId"`
			FileList   []cloudapi.File `json:"fileList"`
		}{}
		if last == 0 {
			page.LastFileID = 2
			page.FileList = []cloudapi.File{{FileID: 1, FileName: "a"}, {FileID: 2, FileName: "b"}}
		} else {
			page.LastFileID = -1
			page.FileList = []cloudapi.File{{FileID: 3, FileName: "c"}}
		}
		_ = json.NewEncoder(w).Encode(cloudapi.FileListResponse{Data: page})
	})
	srv := stub.start(t)
	c := newTestClient(t, srv, nil)

	files, err := c.ListChildren(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, "c", files[2].FileName)
}

func TestUploadObjectReturnsFileIDAndMD5Etag(t *testing.T) {
	stub := newStubServer()
	srv := stub.start(t)
	stub.override(uploadDomainPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cloudapi.UploadDomainResponse{Data: []string{srv.URL}})
	})
	var gotEtag string
	stub.mux.HandleFunc(uploadSingleSubpath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotEtag = r.FormValue("etag")
		require.Equal(t, "2", r.FormValue("duplicate"))
		_ = json.NewEncoder(w).Encode(cloudapi.UploadSingleCreateResponse{Data: struct {
			FileID    int64 `json:"fileID"`
			Completed bool  `json:"completed"`
		}{FileID: 555, Completed: true}})
	})
	c := newTestClient(t, srv, nil)

	fileID, etag, err := c.UploadObject(context.Background(), 1, "obj", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(555), fileID)
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", etag) // md5("hello")
	require.Equal(t, gotEtag, etag)
}

func TestDownloadInfoAndFetchForwardsRange(t *testing.T) {
	stub := newStubServer()
	var gotRange string
	stub.mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("partial"))
	})
	srv := stub.start(t)
	stub.mux.HandleFunc(downloadInfoPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cloudapi.DownloadInfoResponse{Data: struct {
			DownloadURL string `json:"downloadUrl"`
		}{DownloadURL: srv.URL + "/blob"}})
	})
	c := newTestClient(t, srv, nil)

	url, err := c.DownloadInfo(context.Background(), 1)
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), url, "bytes=0-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, "partial", string(body))
	require.Equal(t, "bytes=0-3", gotRange)
}

func TestDeleteObjectTrashesThenDeletes(t *testing.T) {
	stub := newStubServer()
	srv := stub.start(t)
	c := newTestClient(t, srv, nil)

	require.NoError(t, c.DeleteObject(context.Background(), 777))
	require.True(t, stub.trashedIDs[777])
	require.True(t, stub.deletedIDs[777])
}

func TestCallJSONRetriesOn429ThenSucceeds(t *testing.T) {
	stub := newStubServer()
	var calls int64
	stub.override(mkdirPath, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(cloudapi.MkdirResponse{Data: struct {
			DirID int64 `json:"dirID"`
		}{DirID: 42}})
	})
	srv := stub.start(t)
	obs := &countingObserver{}
	c := newTestClient(t, srv, obs)

	id, err := c.EnsureDirectory(context.Background(), 0, "data")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.EqualValues(t, 3, atomic.LoadInt64(&calls))
	require.True(t, atomic.LoadInt64(&obs.retries) >= 2)
}

// A 401 forces exactly one token re-issuance and one retry: the stale token
// is dropped, a fresh one is fetched, and the retried call succeeds.
func TestCallJSONRefreshesTokenOnceOn401(t *testing.T) {
	stub := newStubServer()
	var mkdirCalls, issuances int64
	stub.override("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&issuances, 1)
		_ = json.NewEncoder(w).Encode(cloudapi.AccessTokenResponse{
			Data: struct {
				AccessToken string `json:"accessToken"`
				ExpiredAt   string `json:"expiredAt"`
			}{AccessToken: "tok-" + strconv.FormatInt(n, 10), ExpiredAt: time.Now().Add(time.Hour).Format(time.RFC3339)},
		})
	})
	stub.override(mkdirPath, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&mkdirCalls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(cloudapi.MkdirResponse{Data: struct {
			DirID int64 `json:"dirID"`
		}{DirID: 7}})
	})
	srv := stub.start(t)
	c := newTestClient(t, srv, nil)

	id, err := c.EnsureDirectory(context.Background(), 0, "data")
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.EqualValues(t, 2, atomic.LoadInt64(&mkdirCalls))
	require.EqualValues(t, 2, atomic.LoadInt64(&issuances))
}

// The upload domain is discovered once and reused across uploads.
func TestUploadDomainDiscoveredOnce(t *testing.T) {
	stub := newStubServer()
	srv := stub.start(t)
	var discoveries int64
	stub.override(uploadDomainPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&discoveries, 1)
		_ = json.NewEncoder(w).Encode(cloudapi.UploadDomainResponse{Data: []string{srv.URL}})
	})
	stub.mux.HandleFunc(uploadSingleSubpath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cloudapi.UploadSingleCreateResponse{Data: struct {
			FileID    int64 `json:"fileID"`
			Completed bool  `json:"completed"`
		}{FileID: 1, Completed: true}})
	})
	c := newTestClient(t, srv, nil)

	_, err := c.DiscoverUploadDomain(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := c.UploadObject(context.Background(), 1, "obj", []byte("x"))
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&discoveries))
}

func TestCallJSONGivesUpAfterMaxAttemptsOn429(t *testing.T) {
	stub := newStubServer()
	stub.override(mkdirPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := stub.start(t)
	c := newTestClient(t, srv, nil)

	_, err := c.EnsureDirectory(context.Background(), 0, "data")
	require.Error(t, err)
	require.True(t, gwerr.Is(err, gwerr.RateLimited))
}

// A 500 (or any other non-2xx status besides 401/429) fails
// immediately with no retry — only connection-level errors and 429 get
// backoff treatment.
func TestCallJSONFailsImmediatelyOn500NoRetry(t *testing.T) {
	stub := newStubServer()
	var calls int64
	stub.override(mkdirPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := stub.start(t)
	obs := &countingObserver{}
	c := newTestClient(t, srv, obs)

	_, err := c.EnsureDirectory(context.Background(), 0, "data")
	require.Error(t, err)
	require.True(t, gwerr.Is(err, gwerr.Upstream))
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
	require.EqualValues(t, 0, atomic.LoadInt64(&obs.retries))
}
