// Package fetch adapts fare sources to the queue's worker interface.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

var (
	ErrTransient   = errors.New("transient fare source error")
	ErrRateLimited = errors.New("fare source rate limited")
	ErrUnknownSite = errors.New("unknown site")
)

const dateLayout = "2006-01-02"

// SiteLookup resolves a site id to its descriptor.
type SiteLookup interface {
	Get(id string) (types.Site, bool)
}

// HTTPOptions configures HTTPFetcher. Zero values use defaults.
type HTTPOptions struct {
	Client  *http.Client
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// HTTPFetcher queries a site's JSON fare endpoint. Requests to each site are
// throttled to the site's RatePerSecond.
type HTTPFetcher struct {
	sites   SiteLookup
	client  *http.Client
	retries int
	backoff time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHTTPFetcher(sites SiteLookup, opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 400 * time.Millisecond
	}
	return &HTTPFetcher{
		sites:    sites,
		client:   client,
		retries:  retries,
		backoff:  backoff,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch implements worker.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, task types.FetchTask) (types.FareResponse, error) {
	site, ok := f.sites.Get(task.Site)
	if !ok {
		return types.FareResponse{}, fmt.Errorf("%w: %q", ErrUnknownSite, task.Site)
	}
	endpoint := BuildURL(site.Endpoint, task)

	var out types.FareResponse
	attempts := f.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := f.limiter(site).Wait(ctx); err != nil {
			return types.FareResponse{}, err
		}

		err := f.fetchOnce(ctx, endpoint, &out)
		if err == nil {
			if out.URL == "" {
				out.URL = endpoint
			}
			return out, nil
		}
		if !isRetryable(err) || attempt == attempts-1 {
			return types.FareResponse{}, err
		}

		log.Debug("Retrying fare request", "site", site.ID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return types.FareResponse{}, ctx.Err()
		case <-time.After(f.retryDelay(attempt)):
		}
	}
	return types.FareResponse{}, fmt.Errorf("%w: exhausted retries", ErrTransient)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, endpoint string, out *types.FareResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isNetworkTransient(err) {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("fare request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: %s", ErrRateLimited, resp.Status, msg)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s: %s", ErrTransient, resp.Status, msg)
		default:
			return fmt.Errorf("fare request failed: %s: %s", resp.Status, msg)
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode fare response: %w", err)
	}
	return nil
}

func (f *HTTPFetcher) limiter(site types.Site) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[site.ID]
	if !ok {
		limit := rate.Inf
		if site.RatePerSecond > 0 {
			limit = rate.Limit(site.RatePerSecond)
		}
		l = rate.NewLimiter(limit, 1)
		f.limiters[site.ID] = l
	}
	return l
}

func (f *HTTPFetcher) retryDelay(attempt int) time.Duration {
	shift := attempt
	if shift > 5 {
		shift = 5
	}
	return f.backoff * time.Duration(1<<shift)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

func isNetworkTransient(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// BuildURL appends the task's route, dates and passengers to endpoint.
func BuildURL(endpoint string, task types.FetchTask) string {
	v := url.Values{}
	v.Set("origin", task.Origin)
	v.Set("destination", task.Destination)
	v.Set("departure", task.Departure.Format(dateLayout))
	if task.Return != nil {
		v.Set("return", task.Return.Format(dateLayout))
	}
	v.Set("adults", strconv.Itoa(task.Adults))
	v.Set("children", strconv.Itoa(task.Children))
	v.Set("infants", strconv.Itoa(task.Infants))

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + v.Encode()
}
