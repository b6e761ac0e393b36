package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedOutcome struct {
	source  string
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordOutcome(_ context.Context, source string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{source: source, success: success})
	return nil
}

func (r *fakeRecorder) all() []recordedOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOutcome(nil), r.outcomes...)
}

func testConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		UserAgent:      "mangadl-test",
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func TestFetch_WritesAssetAndRecordsSuccess(t *testing.T) {
	t.Parallel()

	body := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "mangadl-test", r.Header.Get("User-Agent"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	recorder := &fakeRecorder{}
	f := New(recorder, testConfig(), zap.NewNop())
	dest := filepath.Join(t.TempDir(), "001.jpg")

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/1.jpg", dest, "mangapill"))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, []recordedOutcome{{source: "mangapill", success: true}}, recorder.all())
}

func TestFetch_SkipsExistingNonEmptyFile(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "001.jpg")
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o600))

	recorder := &fakeRecorder{}
	f := New(recorder, testConfig(), zap.NewNop())

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/1.jpg", dest, "mangapill"))

	require.Zero(t, hits.Load(), "skip must not touch the network")
	require.Empty(t, recorder.all(), "skip records no outcome")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("already here"), got, "existing file must not be rewritten")
}

func TestFetch_ZeroByteFileIsRefetched(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "001.jpg")
	require.NoError(t, os.WriteFile(dest, nil, 0o600))

	f := New(&fakeRecorder{}, testConfig(), zap.NewNop())
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/1.jpg", dest, "mangapill"))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("recovered"), got)
}

func TestFetch_ClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	recorder := &fakeRecorder{}
	f := New(recorder, testConfig(), zap.NewNop())
	dest := filepath.Join(t.TempDir(), "001.jpg")

	err := f.Fetch(context.Background(), srv.URL+"/missing.jpg", dest, "mangapill")
	require.Error(t, err)
	require.Equal(t, int64(1), hits.Load(), "4xx must not be retried")
	require.Equal(t, []recordedOutcome{{source: "mangapill", success: false}}, recorder.all())
}

func TestFetch_RetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("third time lucky"))
	}))
	defer srv.Close()

	recorder := &fakeRecorder{}
	f := New(recorder, testConfig(), zap.NewNop())
	dest := filepath.Join(t.TempDir(), "001.jpg")

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/1.jpg", dest, "mangapill"))

	require.Equal(t, int64(3), hits.Load())
	require.Equal(t, []recordedOutcome{{source: "mangapill", success: true}}, recorder.all(),
		"exactly one outcome per Fetch call, after retries resolve")
}

func TestFetch_ExhaustedRetriesRecordOneFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	recorder := &fakeRecorder{}
	f := New(recorder, testConfig(), zap.NewNop())
	dest := filepath.Join(t.TempDir(), "001.jpg")

	err := f.Fetch(context.Background(), srv.URL+"/1.jpg", dest, "mangapill")
	require.Error(t, err)
	require.Equal(t, int64(3), hits.Load(), "initial attempt plus two retries")
	require.Equal(t, []recordedOutcome{{source: "mangapill", success: false}}, recorder.all())
}

func TestRetryPolicy_TooManyRequestsIsRetryable(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(3, time.Millisecond, time.Millisecond)
	require.True(t, p.shouldRetry(&statusError{code: http.StatusTooManyRequests}, 0))
	require.True(t, p.shouldRetry(&statusError{code: http.StatusBadGateway}, 0))
	require.False(t, p.shouldRetry(&statusError{code: http.StatusForbidden}, 0))
	require.False(t, p.shouldRetry(&statusError{code: http.StatusBadGateway}, 3))
	require.False(t, p.shouldRetry(nil, 0))
}

func TestRetryPolicy_BackoffStaysWithinCap(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}
