package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

// ErrNoPrices is returned when a fare response carries no prices.
var ErrNoPrices = errors.New("store: fare response has no prices")

// ResultStore keeps fare results sorted by ascending minimum price.
type ResultStore struct {
	mu sync.Mutex
	kv kvstore.Store
}

func NewResultStore(kv kvstore.Store) *ResultStore {
	return &ResultStore{kv: kv}
}

// NewResult derives the stored form of a completed lookup. A response
// without prices has no minimum and is rejected with ErrNoPrices.
func NewResult(task types.FetchTask, resp types.FareResponse) (types.FareResult, error) {
	if len(resp.Prices) == 0 {
		return types.FareResult{}, ErrNoPrices
	}
	return types.FareResult{
		Origin:      task.Origin,
		Destination: task.Destination,
		Departure:   task.Departure,
		Return:      task.Return,
		URL:         resp.URL,
		Prices:      resp.Prices,
		ByCompany:   resp.ByCompany,
		MinPrice:    minPrice(resp.Prices),
		Key:         types.RouteKey(task.Origin, task.Destination),
	}, nil
}

// RecordResult builds a FareResult from a completed task, inserts it and
// persists the updated list. It returns the full sorted list; on a write
// failure the list is still returned along with the error.
func (s *ResultStore) RecordResult(task types.FetchTask, resp types.FareResponse) ([]types.FareResult, error) {
	result, err := NewResult(task, resp)
	if err != nil {
		return nil, err
	}
	return s.Insert(result)
}

// Insert adds an already built result and persists the updated list, with
// the same return contract as RecordResult.
func (s *ResultStore) Insert(result types.FareResult) ([]types.FareResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := append(s.load(), result)
	sortResults(results)

	if err := writeJSON(s.kv, KeyResults, results); err != nil {
		return results, fmt.Errorf("failed to save results: %w", err)
	}
	return results, nil
}

// GetResults returns the stored results in ascending price order.
func (s *ResultStore) GetResults() []types.FareResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// DeleteResults removes every stored result.
func (s *ResultStore) DeleteResults() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(KeyResults); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	return nil
}

// InitialFlightCount returns the task count recorded at the last start or
// stop, or 0.
func (s *ResultStore) InitialFlightCount() int {
	raw, ok, err := s.kv.Get(KeyInitialFlights)
	if err != nil {
		log.Warn("Failed to read key", "key", KeyInitialFlights, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("Discarding corrupt value", "key", KeyInitialFlights, "error", err)
		return 0
	}
	return n
}

func (s *ResultStore) SaveInitialFlightCount(n int) error {
	if err := s.kv.Put(KeyInitialFlights, strconv.Itoa(n)); err != nil {
		return fmt.Errorf("failed to save initial flight count: %w", err)
	}
	return nil
}

func (s *ResultStore) load() []types.FareResult {
	var results []types.FareResult
	if !readJSON(s.kv, KeyResults, &results) {
		return []types.FareResult{}
	}
	return results
}

// sortResults orders by MinPrice, then Key. Equal pairs keep insertion order.
func sortResults(results []types.FareResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].MinPrice != results[j].MinPrice {
			return results[i].MinPrice < results[j].MinPrice
		}
		return results[i].Key < results[j].Key
	})
}

func minPrice(prices []float64) float64 {
	m := prices[0]
	for _, p := range prices[1:] {
		if p < m {
			m = p
		}
	}
	return m
}
