package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/surgetrade/surgebot/internal/exchange"
	"github.com/surgetrade/surgebot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA GATEWAY - Cached venue access with rate discipline
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three caches, independently aged:
//   tickers    30s TTL, single batch fetch
//   candles    per (symbol, interval), incremental merge of new bars
//   order book 5s TTL, depth ≤ 20
//
// Outbound requests share one token bucket sized to 90% of the venue limit
// and one circuit breaker. Transient failures retry with jittered backoff;
// exhausted retries surface ErrUnavailable and the caller skips the symbol.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrUnavailable means the symbol could not be served fresh enough this tick
var ErrUnavailable = errors.New("marketdata: unavailable")

const (
	tickerTTL    = 30 * time.Second
	bookTTL      = 5 * time.Second
	staleFactor  = 3 // serve cached data up to TTL×3 old when the venue is down
	bucketWait   = 2 * time.Second
	maxBookDepth = 20
)

var retryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1200 * time.Millisecond}

// candleDepth is how many bars we keep per interval
func candleDepth(interval types.Interval) int {
	if interval == types.Interval1m {
		return 60
	}
	return 50
}

type candleKey struct {
	symbol   string
	interval types.Interval
}

type candleEntry struct {
	series    types.CandleSeries
	fetchedAt time.Time
}

type bookEntry struct {
	book      *types.OrderBook
	fetchedAt time.Time
}

type markPoint struct {
	price decimal.Decimal
	at    time.Time
}

// Gateway fronts the exchange with caching, rate limiting and retries
type Gateway struct {
	ex      exchange.Exchange
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu            sync.RWMutex
	tickers       map[string]types.Ticker
	tickersAt     time.Time
	candles       map[candleKey]*candleEntry
	books         map[string]bookEntry
	streamedMarks map[string]markPoint
}

// New creates a gateway over the given exchange client.
// rps is the token bucket refill rate (90% of the published venue limit).
func New(ex exchange.Exchange, rps float64) *Gateway {
	return &Gateway{
		ex:      ex,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "binance",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("⚡ Venue breaker state change")
			},
		}),
		tickers:       make(map[string]types.Ticker),
		candles:       make(map[candleKey]*candleEntry),
		books:         make(map[string]bookEntry),
		streamedMarks: make(map[string]markPoint),
	}
}

// Tickers returns the cached universe snapshot, refreshing past the TTL
func (g *Gateway) Tickers(ctx context.Context) (map[string]types.Ticker, error) {
	g.mu.RLock()
	age := time.Since(g.tickersAt)
	cached := g.tickers
	g.mu.RUnlock()

	if len(cached) > 0 && age < tickerTTL {
		return cached, nil
	}

	fresh, err := fetch(ctx, g, func(ctx context.Context) (map[string]types.Ticker, error) {
		return g.ex.FetchTickers(ctx)
	})
	if err != nil {
		if len(cached) > 0 && age < tickerTTL*staleFactor {
			log.Warn().Dur("age", age).Msg("Serving stale tickers, venue unavailable")
			return cached, nil
		}
		return nil, fmt.Errorf("%w: tickers: %v", ErrUnavailable, err)
	}

	g.mu.Lock()
	g.tickers = fresh
	g.tickersAt = time.Now()
	g.mu.Unlock()
	return fresh, nil
}

// Candles returns up to limit bars, fetching only what the cache is missing.
// The last cached bar is always refetched since it was open when stored.
func (g *Gateway) Candles(ctx context.Context, symbol string, interval types.Interval, limit int) (types.CandleSeries, error) {
	depth := candleDepth(interval)
	if limit > depth {
		limit = depth
	}
	key := candleKey{symbol, interval}

	g.mu.RLock()
	entry := g.candles[key]
	g.mu.RUnlock()

	need := depth
	if entry != nil && len(entry.series) > 0 {
		elapsed := time.Since(entry.series[len(entry.series)-1].OpenTime)
		// +1 to replace the previously-open head bar
		need = int(elapsed/interval.Duration()) + 1
		if need > depth {
			need = depth
		}
		if need < 1 {
			need = 1
		}
	}

	fresh, err := fetch(ctx, g, func(ctx context.Context) (types.CandleSeries, error) {
		return g.ex.FetchCandles(ctx, symbol, interval, need)
	})
	if err != nil {
		if entry != nil && time.Since(entry.fetchedAt) < interval.Duration()*staleFactor {
			return tail(entry.series, limit), nil
		}
		return nil, fmt.Errorf("%w: candles %s %s: %v", ErrUnavailable, symbol, interval, err)
	}

	merged := mergeCandles(seriesOf(entry), fresh, depth)

	g.mu.Lock()
	g.candles[key] = &candleEntry{series: merged, fetchedAt: time.Now()}
	g.mu.Unlock()

	return tail(merged, limit), nil
}

// OrderBook returns the cached book, refreshing past the TTL
func (g *Gateway) OrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	if depth > maxBookDepth {
		depth = maxBookDepth
	}

	g.mu.RLock()
	entry, ok := g.books[symbol]
	g.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < bookTTL {
		return entry.book, nil
	}

	fresh, err := fetch(ctx, g, func(ctx context.Context) (*types.OrderBook, error) {
		return g.ex.FetchOrderBook(ctx, symbol, depth)
	})
	if err != nil {
		if ok && time.Since(entry.fetchedAt) < bookTTL*staleFactor {
			return entry.book, nil
		}
		return nil, fmt.Errorf("%w: order book %s: %v", ErrUnavailable, symbol, err)
	}

	g.mu.Lock()
	g.books[symbol] = bookEntry{book: fresh, fetchedAt: time.Now()}
	g.mu.Unlock()
	return fresh, nil
}

// MarkPrice returns the freshest price available for a symbol: a streamed
// mark if the websocket delivered one recently, else the ticker cache.
func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.RLock()
	mark, ok := g.streamedMarks[symbol]
	g.mu.RUnlock()
	if ok && time.Since(mark.at) < 10*time.Second {
		return mark.price, nil
	}

	tickers, err := g.Tickers(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	t, ok := tickers[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no ticker for %s", ErrUnavailable, symbol)
	}
	return t.LastPrice, nil
}

// setStreamedMark is fed by the websocket mark stream
func (g *Gateway) setStreamedMark(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	g.streamedMarks[symbol] = markPoint{price: price, at: time.Now()}
	g.mu.Unlock()
}

// ── Retry plumbing ───────────────────────────────────────────────────────────

// fetch serializes a venue call through the token bucket and breaker,
// retrying transient failures with jittered backoff.
func fetch[T any](ctx context.Context, g *Gateway, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			jitter := time.Duration(rand.Int63n(int64(delay / 4)))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, bucketWait)
		err := g.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			lastErr = fmt.Errorf("rate budget exhausted: %w", err)
			continue
		}

		result, err := g.breaker.Execute(func() (any, error) {
			return call(ctx)
		})
		if err == nil {
			return result.(T), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, lastErr
		}
		if !exchange.Retryable(err) {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// ── Merge helpers ────────────────────────────────────────────────────────────

func seriesOf(e *candleEntry) types.CandleSeries {
	if e == nil {
		return nil
	}
	return e.series
}

// mergeCandles splices fresh bars onto cached ones, replacing overlap by
// open time and trimming to depth
func mergeCandles(cached, fresh types.CandleSeries, depth int) types.CandleSeries {
	if len(fresh) == 0 {
		return cached
	}
	if len(cached) == 0 {
		return tail(fresh, depth)
	}

	firstFresh := fresh[0].OpenTime
	keep := cached
	for i, c := range cached {
		if !c.OpenTime.Before(firstFresh) {
			keep = cached[:i]
			break
		}
	}

	merged := make(types.CandleSeries, 0, len(keep)+len(fresh))
	merged = append(merged, keep...)
	merged = append(merged, fresh...)
	return tail(merged, depth)
}

func tail(cs types.CandleSeries, n int) types.CandleSeries {
	if len(cs) <= n {
		return cs
	}
	return cs[len(cs)-n:]
}
