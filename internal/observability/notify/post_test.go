package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosterRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"ok":true}`, string(body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) < 3 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := Poster{Name: "test", RetryLimit: 2, Backoff: time.Millisecond}
	require.NoError(t, p.Post(context.Background(), srv.URL, []byte(`{"ok":true}`)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPosterReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := Poster{Name: "test", RetryLimit: 1, Backoff: time.Millisecond}
	err := p.Post(context.Background(), srv.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test 403 Forbidden: nope")
}

func TestPosterStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Poster{Name: "test", RetryLimit: 5, Backoff: time.Hour}
	assert.Error(t, p.Post(ctx, srv.URL, []byte(`{}`)))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", Tail("short", 10))
	assert.Equal(t, "…6789", Tail("0123456789", 4))
	assert.Equal(t, "abc", Tail("abc", 0))
}
