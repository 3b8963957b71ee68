package store

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

// RequestStore keeps the history of search requests, most recent first.
type RequestStore struct {
	mu sync.Mutex
	kv kvstore.Store
}

func NewRequestStore(kv kvstore.Store) *RequestStore {
	return &RequestStore{kv: kv}
}

// SaveRequest puts req at the front of the history. Any stored request with
// the same origin and destination sets is replaced. Empty requests are ignored.
func (s *RequestStore) SaveRequest(req types.SearchRequest) error {
	if req.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.load()
	out := make([]types.SearchRequest, 0, len(existing)+1)
	out = append(out, req)
	for _, r := range existing {
		if r.SameRoutes(req) {
			continue
		}
		out = append(out, r)
	}

	if err := writeJSON(s.kv, KeyRequests, out); err != nil {
		return fmt.Errorf("failed to save requests: %w", err)
	}
	return nil
}

// GetRequests returns the stored requests, most recent first.
func (s *RequestStore) GetRequests() []types.SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// DeleteRequests removes the whole history.
func (s *RequestStore) DeleteRequests() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(KeyRequests); err != nil {
		return fmt.Errorf("failed to delete requests: %w", err)
	}
	return nil
}

func (s *RequestStore) load() []types.SearchRequest {
	var reqs []types.SearchRequest
	if !readJSON(s.kv, KeyRequests, &reqs) {
		return []types.SearchRequest{}
	}
	return reqs
}
