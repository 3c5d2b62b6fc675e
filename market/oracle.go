package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Oracle resolves a current mark price for a symbol.
type Oracle interface {
	GetFreshPrice(ctx context.Context, symbol string) (float64, error)
}

// Fetcher performs a live price lookup. It is the only networked call the
// core ever makes, and it happens strictly outside any lock or transaction.
type Fetcher func(ctx context.Context, symbol string) (float64, error)

// CachedOracle serves recent cached ticks and falls back to a live fetch.
// If the live fetch fails, a stale cached price is better than none, so it
// is returned as a last resort.
type CachedOracle struct {
	ticks *TickStore
	fetch Fetcher
	ttl   time.Duration

	// coalesce concurrent fetches for the same symbol
	mu       sync.Mutex
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done  chan struct{}
	price float64
	err   error
}

func NewCachedOracle(fetch Fetcher, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		ticks:    NewTickStore(),
		fetch:    fetch,
		ttl:      ttl,
		inflight: make(map[string]*fetchCall),
	}
}

// Ticks exposes the underlying cache so feeds can push prices directly.
func (o *CachedOracle) Ticks() *TickStore { return o.ticks }

// GetFreshPrice returns a cached price if fresh, else a live fetch, else a
// stale cached price. ErrNoPrice is returned only when all three fail.
func (o *CachedOracle) GetFreshPrice(ctx context.Context, symbol string) (float64, error) {
	if t, err := o.ticks.Get(symbol); err == nil && time.Since(t.Time) <= o.ttl {
		return t.Price, nil
	}

	price, err := o.fetchCoalesced(ctx, symbol)
	if err == nil {
		o.ticks.Set(Tick{Symbol: symbol, Price: price, Time: time.Now()})
		return price, nil
	}

	if t, cerr := o.ticks.Get(symbol); cerr == nil {
		return t.Price, nil
	}
	return 0, fmt.Errorf("fresh price %q: %w", symbol, ErrNoPrice)
}

// fetchCoalesced runs one live fetch per symbol at a time; concurrent
// callers wait on the same call instead of stacking requests.
func (o *CachedOracle) fetchCoalesced(ctx context.Context, symbol string) (float64, error) {
	if o.fetch == nil {
		return 0, ErrNoPrice
	}

	o.mu.Lock()
	if call, ok := o.inflight[symbol]; ok {
		o.mu.Unlock()
		select {
		case <-call.done:
			return call.price, call.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	o.inflight[symbol] = call
	o.mu.Unlock()

	call.price, call.err = o.fetch(ctx, symbol)

	o.mu.Lock()
	delete(o.inflight, symbol)
	o.mu.Unlock()
	close(call.done)

	return call.price, call.err
}

// ResolveAll fetches prices for distinct symbols concurrently. Symbols that
// cannot be priced are omitted from the result; the caller decides how to
// treat the gap (the monitor zeroes that symbol's UPNL contribution).
func ResolveAll(ctx context.Context, oracle Oracle, symbols []string) map[string]float64 {
	seen := make(map[string]struct{}, len(symbols))
	distinct := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		distinct = append(distinct, s)
	}

	var mu sync.Mutex
	prices := make(map[string]float64, len(distinct))

	g, ctx := errgroup.WithContext(ctx)
	for _, sym := range distinct {
		sym := sym
		g.Go(func() error {
			p, err := oracle.GetFreshPrice(ctx, sym)
			if err != nil {
				return nil // missing symbol, not a sweep failure
			}
			mu.Lock()
			prices[sym] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return prices
}
