// Package token manages the single OAuth client-credentials token shared by
// every goroutine issuing cloud requests. The refresh discipline mirrors the
// rclone 123pan backend's tokenMu-guarded getAccessToken, generalized to a
// RWMutex so concurrent Restic requests can read a valid token without
// serializing on a mutex the way the backend's single-goroutine Fs does.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/restic123gw/gateway/internal/cloudapi"
	"github.com/restic123gw/gateway/internal/gwerr"
)

// leadWindow is how far ahead of expiry a refresh is triggered, so a request
// in flight never races a token that expires mid-call.
const leadWindow = 5 * time.Minute

const accessTokenPath = "/api/v1/access_token"

// Manager issues and caches the access token, refreshing it shortly before
// expiry. The zero value is not usable; construct with New.
type Manager struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secret     string

	mu    sync.RWMutex
	token *oauth2.Token

	// refreshMu serializes refreshes so concurrent callers observe at most
	// one in-flight token-issuance call. It is held across the issuing
	// network call; mu, which guards token, is not (see Valid).
	refreshMu sync.Mutex
}

// New builds a Manager for the given cloud API base URL and credentials.
func New(httpClient *http.Client, baseURL, clientID, secret string) *Manager {
	return &Manager{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		secret:     secret,
	}
}

// Valid returns a usable access token, refreshing it first if absent or
// within leadWindow of expiry. Concurrent callers share a single in-flight
// refresh: the read path takes the RWMutex for reading; a caller that
// observes a stale token serializes on refreshMu (collapsing late arrivals
// into one issuance call), re-checks under that lock, then performs the
// network call with no lock on the token itself held — only re-acquiring
// the RWMutex briefly to install the result. The exclusive guard is never
// held across the network call.
func (m *Manager) Valid(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if tok != nil && time.Until(tok.Expiry) > leadWindow {
		return tok.AccessToken, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	tok = m.token
	m.mu.RUnlock()
	if tok != nil && time.Until(tok.Expiry) > leadWindow {
		return tok.AccessToken, nil
	}

	tok, err := m.refresh(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next Valid call performs a fresh
// issuance. The cloud client calls this when the provider rejects a request
// with 401 even though the token's expiry had not yet entered the lead
// window — without it, Valid would keep handing back the same rejected token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

func (m *Manager) refresh(ctx context.Context) (*oauth2.Token, error) {
	const op = "token.refresh"

	body, err := json.Marshal(cloudapi.AccessTokenRequest{
		ClientID:     m.clientID,
		ClientSecret: m.secret,
	})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Configuration, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+accessTokenPath, strings.NewReader(string(body)))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.AuthFailure, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Platform", "open_platform")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.AuthFailure, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.AuthFailure, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, gwerr.New(gwerr.AuthFailure, op, fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)))
	}

	var out cloudapi.AccessTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, gwerr.Wrap(gwerr.AuthFailure, op, err)
	}
	if !out.OK() {
		return nil, gwerr.Wrap(gwerr.AuthFailure, op, out.Err())
	}

	expiry, err := time.Parse(time.RFC3339, out.Data.ExpiredAt)
	if err != nil {
		// Some deployments omit timezone info; fall back to a conservative
		// lifetime rather than failing startup over a formatting quirk.
		expiry = time.Now().Add(2 * time.Hour)
	}

	return &oauth2.Token{
		AccessToken: out.Data.AccessToken,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
