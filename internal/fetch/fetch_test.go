package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/farewatch/internal/sites"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

func fetchTask(site string) types.FetchTask {
	ret := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	return types.FetchTask{
		Origin:      "GRU",
		Destination: "JFK",
		Departure:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Return:      &ret,
		Adults:      2,
		Children:    1,
		Site:        site,
	}
}

func registry(t *testing.T, endpoint string, rps float64) *sites.Registry {
	t.Helper()
	r, err := sites.NewRegistry([]types.Site{{ID: "test", Endpoint: endpoint, RatePerSecond: rps}})
	require.NoError(t, err)
	return r
}

func TestBuildURL(t *testing.T) {
	u := BuildURL("https://fares.example.com/search", fetchTask("test"))
	assert.Equal(t,
		"https://fares.example.com/search?adults=2&children=1&departure=2024-06-01&destination=JFK&infants=0&origin=GRU&return=2024-06-08",
		u)

	oneWay := fetchTask("test")
	oneWay.Return = nil
	assert.NotContains(t, BuildURL("https://fares.example.com/search?key=1", oneWay), "return=")
	assert.Contains(t, BuildURL("https://fares.example.com/search?key=1", oneWay), "?key=1&")
}

func TestHTTPFetcher_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GRU", r.URL.Query().Get("origin"))
		assert.Equal(t, "2024-06-08", r.URL.Query().Get("return"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prices":[812.5,799],"byCompany":{"LATAM":799,"AA":812.5},"url":"https://book.example.com/x"}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(registry(t, srv.URL, 0), HTTPOptions{})
	resp, err := f.Fetch(context.Background(), fetchTask("test"))
	require.NoError(t, err)
	assert.Equal(t, []float64{812.5, 799}, resp.Prices)
	assert.Equal(t, 799.0, resp.ByCompany["LATAM"])
	assert.Equal(t, "https://book.example.com/x", resp.URL)
}

func TestHTTPFetcher_DefaultsURLToRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices":[100]}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(registry(t, srv.URL, 0), HTTPOptions{})
	resp, err := f.Fetch(context.Background(), fetchTask("test"))
	require.NoError(t, err)
	assert.Contains(t, resp.URL, srv.URL+"?")
}

func TestHTTPFetcher_RetriesTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"prices":[450]}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(registry(t, srv.URL, 0), HTTPOptions{Retries: 2, Backoff: time.Millisecond})
	resp, err := f.Fetch(context.Background(), fetchTask("test"))
	require.NoError(t, err)
	assert.Equal(t, []float64{450}, resp.Prices)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPFetcher_RateLimitedExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(registry(t, srv.URL, 0), HTTPOptions{Retries: 1, Backoff: time.Millisecond})
	_, err := f.Fetch(context.Background(), fetchTask("test"))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHTTPFetcher_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad airport", http.StatusBadRequest)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(registry(t, srv.URL, 0), HTTPOptions{Retries: 3, Backoff: time.Millisecond})
	_, err := f.Fetch(context.Background(), fetchTask("test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad airport")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPFetcher_UnknownSite(t *testing.T) {
	f := NewHTTPFetcher(registry(t, "http://unused", 0), HTTPOptions{})
	_, err := f.Fetch(context.Background(), fetchTask("other"))
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestHTTPFetcher_PerSiteRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices":[1]}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(registry(t, srv.URL, 20), HTTPOptions{})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), fetchTask("test"))
		require.NoError(t, err)
	}
	// 20 rps, burst 1: the 2nd and 3rd requests wait ~50ms each
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestHTTPFetcher_ContextCancelled(t *testing.T) {
	f := NewHTTPFetcher(registry(t, "http://127.0.0.1:1", 0.001), HTTPOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, fetchTask("test"))
	assert.Error(t, err)
}

func TestSimulated(t *testing.T) {
	s := NewSimulated(SimulatedOptions{MaxDelay: time.Millisecond, Seed: 42})

	resp, err := s.Fetch(context.Background(), fetchTask("test"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Prices)
	assert.NotEmpty(t, resp.ByCompany)
	assert.NotEmpty(t, resp.URL)
	for _, p := range resp.Prices {
		assert.Greater(t, p, 0.0)
	}
}

func TestSimulated_AlwaysFails(t *testing.T) {
	s := NewSimulated(SimulatedOptions{MaxDelay: time.Millisecond, FailureRate: 1, Seed: 1})
	_, err := s.Fetch(context.Background(), fetchTask("test"))
	assert.ErrorIs(t, err, ErrSimulatedFailure)
}

func TestSimulated_Timeout(t *testing.T) {
	s := NewSimulated(SimulatedOptions{MaxDelay: time.Second, Seed: 7})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := s.Fetch(ctx, fetchTask("test"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
