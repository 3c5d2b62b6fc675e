package market

import (
	"errors"
	"sync"
	"time"
)

var ErrNoPrice = errors.New("no price available")

// Tick is the latest known mark price for a symbol.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// TickStore is a mutex-guarded cache of the most recent tick per symbol.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (s *TickStore) Set(t Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[t.Symbol] = t
}

func (s *TickStore) Get(symbol string) (Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	if !ok {
		return Tick{}, ErrNoPrice
	}
	return t, nil
}
