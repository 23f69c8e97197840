package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/types"
)

// PaperClient acknowledges orders locally without touching the venue.
// Market data passes through to the wrapped client so paper runs see
// the same universe as live ones.
type PaperClient struct {
	data Exchange

	mu        sync.Mutex
	positions map[string]decimal.Decimal // symbol → signed qty
	lastPrice map[string]decimal.Decimal
	orderSeq  atomic.Int64
}

// NewPaperClient wraps a data source with a simulated order path
func NewPaperClient(data Exchange) *PaperClient {
	return &PaperClient{
		data:      data,
		positions: make(map[string]decimal.Decimal),
		lastPrice: make(map[string]decimal.Decimal),
	}
}

func (p *PaperClient) FetchTickers(ctx context.Context) (map[string]types.Ticker, error) {
	tickers, err := p.data.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for sym, t := range tickers {
		p.lastPrice[sym] = t.LastPrice
	}
	p.mu.Unlock()
	return tickers, nil
}

func (p *PaperClient) FetchCandles(ctx context.Context, symbol string, interval types.Interval, limit int) (types.CandleSeries, error) {
	candles, err := p.data.FetchCandles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(candles) > 0 {
		p.mu.Lock()
		p.lastPrice[symbol] = candles[len(candles)-1].Close
		p.mu.Unlock()
	}
	return candles, nil
}

func (p *PaperClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	return p.data.FetchOrderBook(ctx, symbol, depth)
}

// PlaceMarketOrder fills instantly at the last cached price
func (p *PaperClient) PlaceMarketOrder(_ context.Context, symbol string, dir types.Direction, qty decimal.Decimal, leverage int) (*types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.lastPrice[symbol]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%w: no paper price for %s", ErrInvalidSymbol, symbol)
	}

	signed := qty
	if dir == types.Short {
		signed = qty.Neg()
	}
	p.positions[symbol] = p.positions[symbol].Add(signed)

	id := fmt.Sprintf("paper-%d", p.orderSeq.Add(1))
	log.Info().
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Str("qty", qty.String()).
		Int("leverage", leverage).
		Str("fill", price.String()).
		Msg("📝 Paper entry filled")

	return &types.OrderResult{OrderID: id, FilledQty: qty, AvgPrice: price, Status: "FILLED"}, nil
}

// ClosePosition fills instantly at the last cached price
func (p *PaperClient) ClosePosition(_ context.Context, symbol string, dir types.Direction, qty decimal.Decimal) (*types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.lastPrice[symbol]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%w: no paper price for %s", ErrInvalidSymbol, symbol)
	}

	signed := qty.Neg()
	if dir == types.Short {
		signed = qty
	}
	remaining := p.positions[symbol].Add(signed)
	if remaining.IsZero() {
		delete(p.positions, symbol)
	} else {
		p.positions[symbol] = remaining
	}

	id := fmt.Sprintf("paper-%d", p.orderSeq.Add(1))
	log.Info().
		Str("symbol", symbol).
		Str("qty", qty.String()).
		Str("fill", price.String()).
		Msg("📝 Paper close filled")

	return &types.OrderResult{OrderID: id, FilledQty: qty, AvgPrice: price, Status: "FILLED"}, nil
}

// FetchPositionAmounts reports the simulated book
func (p *PaperClient) FetchPositionAmounts(_ context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(p.positions))
	for sym, amt := range p.positions {
		out[sym] = amt
	}
	return out, nil
}

// SetPrice seeds a paper fill price, used by tests and the mark stream
func (p *PaperClient) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.lastPrice[symbol] = price
	p.mu.Unlock()
}

var _ Exchange = (*PaperClient)(nil)
var _ Exchange = (*BinanceClient)(nil)
