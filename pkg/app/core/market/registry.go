package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNotFound  = errors.New("market not found")
	ErrNotActive = errors.New("market not active")
)

// Registry manages multiple markets in a thread-safe manner
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // id -> market
}

// NewRegistry creates an empty market registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a new market to the registry
// Returns error if market with same id already exists
func (r *Registry) Register(m Market) error {
	if m.ID == "" {
		return fmt.Errorf("cannot register market without id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	r.markets[m.ID] = &m
	return nil
}

// Get returns a copy of a market by id
func (r *Registry) Get(id string) (Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[id]
	if !exists {
		return Market{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *m, nil
}

// GetActive returns a market only if it accepts new orders.
func (r *Registry) GetActive(id string) (Market, error) {
	m, err := r.Get(id)
	if err != nil {
		return Market{}, err
	}
	if m.Status != Active {
		return Market{}, fmt.Errorf("%w: %s is %s", ErrNotActive, id, m.Status)
	}
	return m, nil
}

// List returns all registered markets sorted by id
func (r *Registry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets
}

// ListActive returns only markets with Active status
func (r *Registry) ListActive() []Market {
	var active []Market
	for _, m := range r.List() {
		if m.Status == Active {
			active = append(active, m)
		}
	}
	return active
}

// UpdateStatus changes the trading status of a market
// Used for emergency pausing and closing
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Settled → *: not allowed (terminal state)
	if m.Status == Settled {
		return fmt.Errorf("cannot change status of %s from settled (terminal state)", id)
	}

	m.Status = status
	return nil
}

// Exists checks if a market is registered
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[id]
	return exists
}
