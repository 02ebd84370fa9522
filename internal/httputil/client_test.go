package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/failure"
)

func testClient(retries int) *Client {
	c := New("test", 2*time.Second, retries)
	c.RetryBase = time.Millisecond
	return c
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct{ OK bool }
	_, err := testClient(3).GetJSON(context.Background(), srv.URL, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Kind
		calls  int32
	}{
		{http.StatusUnauthorized, failure.AuthMissing, 1},
		{http.StatusForbidden, failure.AuthMissing, 1},
		{http.StatusBadRequest, failure.RangeUnsupported, 1},
		{http.StatusTooManyRequests, failure.RateLimited, 3},
		{http.StatusServiceUnavailable, failure.Network, 3},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := testClient(2).Get(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.KindOf(err))
			assert.Equal(t, tt.calls, calls.Load())
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestGetJSON_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out map[string]any
	_, err := testClient(0).GetJSON(context.Background(), srv.URL, &out)
	assert.Equal(t, failure.Malformed, failure.KindOf(err))
}

func TestDo_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(3).Get(ctx, srv.URL)
	assert.Equal(t, failure.Cancelled, failure.KindOf(err))
}

func TestPostJSON_SendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer x", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := testClient(0)
	c.Header.Set("Authorization", "Bearer x")
	resp, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
}
