package fetch

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

// ErrSimulatedFailure is returned for the configured share of simulated fetches.
var ErrSimulatedFailure = errors.New("simulated fetch failure")

var carriers = []string{"LATAM", "GOL", "Azul", "American", "United", "TAP"}

// SimulatedOptions configures Simulated. Zero values use defaults.
type SimulatedOptions struct {
	MaxDelay    time.Duration // 隨機延遲上限，預設 500ms
	FailureRate float64       // 失敗比例 0..1
	BasePrice   float64       // 票價基準，預設 800
	Seed        int64
}

// Simulated produces plausible fares without touching the network: a random
// delay, a configurable failure rate, and prices derived from the route.
type Simulated struct {
	opts SimulatedOptions

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 500 * time.Millisecond
	}
	if opts.BasePrice <= 0 {
		opts.BasePrice = 800
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{opts: opts, rng: rand.New(rand.NewSource(seed))}
}

// Fetch implements worker.Fetcher.
func (s *Simulated) Fetch(ctx context.Context, task types.FetchTask) (types.FareResponse, error) {
	if err := ctx.Err(); err != nil {
		return types.FareResponse{}, err
	}

	s.mu.Lock()
	delay := time.Duration(s.rng.Int63n(int64(s.opts.MaxDelay)))
	fail := s.rng.Float64() < s.opts.FailureRate
	n := 1 + s.rng.Intn(4)
	noise := make([]float64, n)
	for i := range noise {
		noise[i] = s.rng.Float64()
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.FareResponse{}, ctx.Err()
	case <-time.After(delay):
	}
	if fail {
		return types.FareResponse{}, ErrSimulatedFailure
	}

	base := s.opts.BasePrice * routeFactor(task)
	resp := types.FareResponse{
		Prices:    make([]float64, n),
		ByCompany: make(map[string]float64, n),
		URL:       BuildURL("https://fares.invalid/simulated", task),
	}
	for i, r := range noise {
		price := math.Round(base * (0.75 + 0.5*r))
		resp.Prices[i] = price
		carrier := carriers[(int(r*1000)+i)%len(carriers)]
		if cur, ok := resp.ByCompany[carrier]; !ok || price < cur {
			resp.ByCompany[carrier] = price
		}
	}
	return resp, nil
}

// routeFactor is a stable multiplier in [0.5, 1.5) per route and trip shape.
func routeFactor(task types.FetchTask) float64 {
	h := fnv.New32a()
	h.Write([]byte(types.RouteKey(task.Origin, task.Destination)))
	f := 0.5 + float64(h.Sum32()%1000)/1000
	if task.IsRoundTrip() {
		f *= 1.8
	}
	return f
}
