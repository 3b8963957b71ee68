// Package sites holds the configured fare-source descriptors.
package sites

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/farewatch/pkg/types"
)

var (
	ErrDuplicateSite = errors.New("duplicate site id")
	ErrEmptySiteID   = errors.New("site id is required")
)

// Registry lists sites in configuration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	sites map[string]types.Site
}

// NewRegistry validates and indexes sites.
func NewRegistry(list []types.Site) (*Registry, error) {
	r := &Registry{sites: make(map[string]types.Site, len(list))}
	for _, s := range list {
		if s.ID == "" {
			return nil, ErrEmptySiteID
		}
		if _, ok := r.sites[s.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSite, s.ID)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		r.sites[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r, nil
}

// ListSites returns a copy of every site, in configuration order.
func (r *Registry) ListSites() []types.Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Site, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sites[id])
	}
	return out
}

// Get looks a site up by id.
func (r *Registry) Get(id string) (types.Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[id]
	return s, ok
}

// Len returns the number of configured sites.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
