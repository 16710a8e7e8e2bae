// Package cloudclient talks to the cloud provider's object-tree API:
// directory creation, paginated listing, single-shot upload, download-URL
// resolution, and trash-then-delete removal. Request shape, pagination
// sentinel, and retry discipline follow rclone's 123pan backend, the
// reference client for this provider's API.
package cloudclient

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/restic123gw/gateway/internal/cloudapi"
	"github.com/restic123gw/gateway/internal/gwerr"
	"github.com/restic123gw/gateway/internal/token"
)

// RetryObserver receives a count every time a request is retried, letting
// the metrics package count them without cloudclient importing it back.
type RetryObserver interface {
	ObserveRetry(op string)
}

const (
	mkdirPath           = "/upload/v1/file/mkdir"
	uploadDomainPath    = "/upload/v2/file/domain"
	fileListPath        = "/api/v2/file/list"
	downloadInfoPath    = "/api/v1/file/download_info"
	uploadSingleSubpath = "/upload/v2/file/single/create"
	trashPath           = "/api/v1/file/trash"
	deletePath          = "/api/v1/file/delete"

	listPageSize = 100
)

// Outer per-call deadlines. Metadata calls are small JSON exchanges; uploads
// may push up to 1 GiB through a single request. An exceeded deadline
// surfaces as gwerr.Io and is never retried. Downloads are exempt: their
// bodies stream to the Restic client for as long as the client keeps reading.
const (
	metadataTimeout = 60 * time.Second
	uploadTimeout   = 5 * time.Minute
)

// Client is the authenticated HTTP client for the cloud provider's API.
type Client struct {
	http     *http.Client
	baseURL  string
	tokens   *token.Manager
	log      *zap.Logger
	observer RetryObserver

	dirLocks keyedMutex

	// uploadDomain is discovered once at startup and reused for the process
	// lifetime; domainMu only guards the initial installation.
	domainMu     sync.Mutex
	uploadDomain string
}

// New builds a Client. observer may be nil if retry counts aren't needed.
func New(httpClient *http.Client, baseURL string, tokens *token.Manager, log *zap.Logger, observer RetryObserver) *Client {
	return &Client{
		http:     httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokens:   tokens,
		log:      log,
		observer: observer,
	}
}

// callJSON issues one JSON request against path, retrying on 429 and
// transport errors with exponential backoff, and refreshing the token once
// on a 401 before retrying.
func (c *Client) callJSON(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	attempt := 0
	backoff := backoffInitial
	refreshedOnce := false

	for {
		attempt++

		tok, err := c.tokens.Valid(ctx)
		if err != nil {
			return gwerr.Wrap(gwerr.AuthFailure, op, err)
		}

		status, raw, err := c.doOnce(ctx, method, path, query, body, tok)
		if err == nil && status == http.StatusUnauthorized && !refreshedOnce {
			// The provider rejected a token whose expiry still looked fine;
			// drop it so the next Valid call performs a real re-issuance.
			refreshedOnce = true
			c.tokens.Invalidate()
			continue
		}
		if err == nil && status >= 200 && status < 300 {
			if out != nil {
				if uerr := json.Unmarshal(raw, out); uerr != nil {
					return gwerr.Wrap(gwerr.Upstream, op, uerr)
				}
			}
			return nil
		}

		// An elapsed outer deadline is not a retryable condition.
		if err != nil && ctx.Err() != nil {
			return gwerr.Wrap(gwerr.Io, op, err)
		}

		// Only connection-level errors and HTTP 429 get the backoff/retry
		// treatment; any other non-2xx status fails immediately.
		retryable := err != nil || status == http.StatusTooManyRequests
		if !retryable || attempt >= maxAttempts {
			if err != nil {
				return gwerr.Wrap(gwerr.Upstream, op, err)
			}
			kind := gwerr.Upstream
			if status == http.StatusTooManyRequests {
				kind = gwerr.RateLimited
			}
			return gwerr.New(kind, op, fmt.Sprintf("status %d: %s", status, string(raw)))
		}

		if werr := c.observeAndWait(ctx, op, attempt, &backoff); werr != nil {
			return gwerr.Wrap(gwerr.Io, op, werr)
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body interface{}, tok string) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	full := c.baseURL + path
	if query != nil {
		full += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Platform", "open_platform")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// DiscoverUploadDomain fetches the upload domain used for single-shot file
// uploads. Startup treats a failure here as fatal, per the gateway's
// bootstrap sequence.
func (c *Client) DiscoverUploadDomain(ctx context.Context) (string, error) {
	const op = "cloudclient.DiscoverUploadDomain"
	var out cloudapi.UploadDomainResponse
	if err := c.callJSON(ctx, op, http.MethodGet, uploadDomainPath, nil, nil, &out); err != nil {
		return "", err
	}
	if !out.OK() {
		return "", gwerr.Wrap(gwerr.Upstream, op, out.Err())
	}
	if len(out.Data) == 0 {
		return "", gwerr.New(gwerr.Upstream, op, "no upload domain returned")
	}

	domain := strings.TrimRight(out.Data[0], "/")
	c.domainMu.Lock()
	c.uploadDomain = domain
	c.domainMu.Unlock()
	return domain, nil
}

// ensureUploadDomain returns the domain discovered at startup, falling back
// to a fresh discovery call only if startup never ran one (tests).
func (c *Client) ensureUploadDomain(ctx context.Context) (string, error) {
	c.domainMu.Lock()
	d := c.uploadDomain
	c.domainMu.Unlock()
	if d != "" {
		return d, nil
	}
	return c.DiscoverUploadDomain(ctx)
}

// EnsureDirectory creates (or reuses, if already present) the child
// directory named name under parentID, returning its file ID. Concurrent
// callers racing to create the same directory are serialized on a per
// (parentID, name) lock, so their mkdir calls reach the provider one at a
// time; each caller still issues its own mkdir, and the provider's
// idempotent mkdir hands every one of them the same ID.
func (c *Client) EnsureDirectory(ctx context.Context, parentID int64, name string) (int64, error) {
	const op = "cloudclient.EnsureDirectory"

	key := strconv.FormatInt(parentID, 10) + "/" + name
	unlock := c.dirLocks.lock(key)
	defer unlock()

	var out cloudapi.MkdirResponse
	req := cloudapi.MkdirRequest{ParentID: strconv.FormatInt(parentID, 10), Name: name}
	if err := c.callJSON(ctx, op, http.MethodPost, mkdirPath, nil, req, &out); err != nil {
		return 0, err
	}
	if !out.OK() {
		return 0, gwerr.Wrap(gwerr.Upstream, op, out.Err())
	}
	return out.Data.DirID, nil
}

// ListChildren pages through every non-trashed child of parentID using the
// lastFileId sentinel, returning -1 as termination exactly as the provider
// API does.
func (c *Client) ListChildren(ctx context.Context, parentID int64) ([]cloudapi.File, error) {
	const op = "cloudclient.ListChildren"

	var all []cloudapi.File
	lastFileID := int64(0)

	for {
		q := url.Values{
			"parentFileId": {strconv.FormatInt(parentID, 10)},
			"limit":        {strconv.Itoa(listPageSize)},
			"lastFileId":   {strconv.FormatInt(lastFileID, 10)},
		}

		var out cloudapi.FileListResponse
		if err := c.callJSON(ctx, op, http.MethodGet, fileListPath, q, nil, &out); err != nil {
			return nil, err
		}
		if !out.OK() {
			return nil, gwerr.Wrap(gwerr.Upstream, op, out.Err())
		}

		for _, f := range out.Data.FileList {
			if f.Trashed == 0 {
				all = append(all, f)
			}
		}

		if out.Data.LastFileID == -1 {
			break
		}
		lastFileID = out.Data.LastFileID
	}

	return all, nil
}

// UploadObject uploads data as a single-shot file named name under
// parentID, overwriting any existing object of the same name (duplicate=2).
// Callers are responsible for capping size before calling; the HTTP layer
// enforces the 1 GiB limit.
func (c *Client) UploadObject(ctx context.Context, parentID int64, name string, data []byte) (fileID int64, etag string, err error) {
	const op = "cloudclient.UploadObject"

	domain, err := c.ensureUploadDomain(ctx)
	if err != nil {
		return 0, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	sum := md5.Sum(data)
	etag = hex.EncodeToString(sum[:])

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("parentFileID", strconv.FormatInt(parentID, 10))
	_ = w.WriteField("filename", name)
	_ = w.WriteField("etag", etag)
	_ = w.WriteField("size", strconv.FormatInt(int64(len(data)), 10))
	_ = w.WriteField("duplicate", "2")
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return 0, "", gwerr.Wrap(gwerr.Io, op, err)
	}
	if _, err := fw.Write(data); err != nil {
		return 0, "", gwerr.Wrap(gwerr.Io, op, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", gwerr.Wrap(gwerr.Io, op, err)
	}

	attempt := 0
	backoff := backoffInitial
	refreshedOnce := false
	pollAttempt := 0

	for {
		tok, err := c.tokens.Valid(ctx)
		if err != nil {
			return 0, "", gwerr.Wrap(gwerr.AuthFailure, op, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, domain+uploadSingleSubpath, bytes.NewReader(body.Bytes()))
		if err != nil {
			return 0, "", gwerr.Wrap(gwerr.Io, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Platform", "open_platform")
		req.Header.Set("Content-Type", w.FormDataContentType())

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, "", gwerr.Wrap(gwerr.Io, op, err)
			}
			attempt++
			if attempt >= maxAttempts {
				return 0, "", gwerr.Wrap(gwerr.Upstream, op, err)
			}
			if werr := c.observeAndWait(ctx, op, attempt, &backoff); werr != nil {
				return 0, "", gwerr.Wrap(gwerr.Io, op, werr)
			}
			continue
		}

		raw, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			return 0, "", gwerr.Wrap(gwerr.Io, op, rerr)
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshedOnce {
			refreshedOnce = true
			c.tokens.Invalidate()
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			attempt++
			if attempt >= maxAttempts {
				return 0, "", gwerr.New(gwerr.RateLimited, op, fmt.Sprintf("status %d", resp.StatusCode))
			}
			if werr := c.observeAndWait(ctx, op, attempt, &backoff); werr != nil {
				return 0, "", gwerr.Wrap(gwerr.Io, op, werr)
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return 0, "", gwerr.New(gwerr.Upstream, op, fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)))
		}

		var out cloudapi.UploadSingleCreateResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return 0, "", gwerr.Wrap(gwerr.Upstream, op, err)
		}
		if !out.OK() {
			return 0, "", gwerr.Wrap(gwerr.Upstream, op, out.Err())
		}

		// The provider may report completed=false while it finishes
		// server-side processing (e.g. instant-dedup verification) on an
		// otherwise-accepted request. Poll the idempotent, duplicate=2
		// create call until it reports completion, the same poll-with-sleep
		// shape the 123pan rclone backend uses around its multi-step
		// upload's own completed flag.
		if !out.Data.Completed {
			pollAttempt++
			if pollAttempt >= uploadCompletePollAttempts {
				return 0, "", gwerr.New(gwerr.Upstream, op, "upload not confirmed complete after polling")
			}
			select {
			case <-ctx.Done():
				return 0, "", gwerr.Wrap(gwerr.Io, op, ctx.Err())
			case <-time.After(uploadCompletePollInterval):
			}
			continue
		}

		return out.Data.FileID, etag, nil
	}
}

// observeAndWait records one retry, logs the monotonic attempt counter, and
// sleeps the (jittered, growing) backoff unless ctx ends first.
func (c *Client) observeAndWait(ctx context.Context, op string, attempt int, backoff *time.Duration) error {
	if c.observer != nil {
		c.observer.ObserveRetry(op)
	}
	c.log.Warn("retrying cloud call",
		zap.String("op", op),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", *backoff),
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter(*backoff)):
	}
	*backoff = nextBackoff(*backoff)
	return nil
}

// DownloadInfo resolves the presigned, time-limited URL for fileID. Callers
// issue the actual (optionally Range-bearing) GET themselves so the
// response body streams straight through to the Restic client.
func (c *Client) DownloadInfo(ctx context.Context, fileID int64) (string, error) {
	const op = "cloudclient.DownloadInfo"
	q := url.Values{"fileId": {strconv.FormatInt(fileID, 10)}}
	var out cloudapi.DownloadInfoResponse
	if err := c.callJSON(ctx, op, http.MethodGet, downloadInfoPath, q, nil, &out); err != nil {
		return "", err
	}
	if !out.OK() {
		return "", gwerr.Wrap(gwerr.Upstream, op, out.Err())
	}
	return out.Data.DownloadURL, nil
}

// Fetch issues a GET against a presigned download URL, forwarding rangeHdr
// (empty string for no Range) and returning the raw response for the caller
// to stream and status-check.
func (c *Client) Fetch(ctx context.Context, downloadURL, rangeHdr string) (*http.Response, error) {
	const op = "cloudclient.Fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Io, op, err)
	}
	if rangeHdr != "" {
		req.Header.Set("Range", rangeHdr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Io, op, err)
	}
	return resp, nil
}

// DeleteObject removes fileID permanently via the provider's two-step
// trash-then-delete flow: trash moves it out of the live tree, delete
// purges it for good. Both calls are idempotent on an already-absent ID.
func (c *Client) DeleteObject(ctx context.Context, fileID int64) error {
	const op = "cloudclient.DeleteObject"

	var trashOut cloudapi.BaseResponse
	trashReq := cloudapi.TrashRequest{FileIDs: []int64{fileID}}
	if err := c.callJSON(ctx, op, http.MethodPost, trashPath, nil, trashReq, &trashOut); err != nil {
		return err
	}
	if !trashOut.OK() {
		return gwerr.Wrap(gwerr.Upstream, op, trashOut.Err())
	}

	var delOut cloudapi.BaseResponse
	delReq := cloudapi.DeleteRequest{FileIDs: []int64{fileID}}
	if err := c.callJSON(ctx, op, http.MethodPost, deletePath, nil, delReq, &delOut); err != nil {
		return err
	}
	if !delOut.OK() {
		return gwerr.Wrap(gwerr.Upstream, op, delOut.Err())
	}
	return nil
}

// keyedMutex hands out a per-key lock on demand, used to serialize
// concurrent directory-creation races without a single global mutex
// blocking unrelated paths.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
