package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/restic123gw/gateway/internal/cloudapi"
)

func newStubAuthServer(t *testing.T, issued *int64, expiry time.Time) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(issued, 1)
		_ = json.NewEncoder(w).Encode(cloudapi.AccessTokenResponse{
			Data: struct {
				AccessToken string `json:"accessToken"`
				ExpiredAt   string `json:"expiredAt"`
			}{AccessToken: "tok-" + time.Now().String(), ExpiredAt: expiry.Format(time.RFC3339)},
		})
	}))
}

func TestValidIssuesExactlyOnceUnderConcurrentLoad(t *testing.T) {
	var issued int64
	srv := newStubAuthServer(t, &issued, time.Now().Add(time.Hour))
	defer srv.Close()

	mgr := New(srv.Client(), srv.URL, "id", "secret")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mgr.Valid(context.Background())
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&issued))
}

func TestInvalidateForcesReissue(t *testing.T) {
	var issued int64
	srv := newStubAuthServer(t, &issued, time.Now().Add(time.Hour))
	defer srv.Close()

	mgr := New(srv.Client(), srv.URL, "id", "secret")

	_, err := mgr.Valid(context.Background())
	require.NoError(t, err)

	mgr.Invalidate()

	_, err = mgr.Valid(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt64(&issued))
}

func TestValidRefreshesWithinLeadWindow(t *testing.T) {
	var issued int64
	// First token expires in 1 minute, inside the 5-minute lead window, so
	// a second call must trigger another issuance.
	srv := newStubAuthServer(t, &issued, time.Now().Add(time.Minute))
	defer srv.Close()

	mgr := New(srv.Client(), srv.URL, "id", "secret")

	_, err := mgr.Valid(context.Background())
	require.NoError(t, err)
	_, err = mgr.Valid(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt64(&issued))
}
