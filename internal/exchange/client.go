package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/surgetrade/surgebot/internal/types"
)

// Exchange is the venue surface the rest of the system depends on.
// BinanceClient talks to the real venue; PaperClient acknowledges orders
// locally while delegating market data to a real client.
type Exchange interface {
	FetchTickers(ctx context.Context) (map[string]types.Ticker, error)
	FetchCandles(ctx context.Context, symbol string, interval types.Interval, limit int) (types.CandleSeries, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error)
	PlaceMarketOrder(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal, leverage int) (*types.OrderResult, error)
	ClosePosition(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal) (*types.OrderResult, error)
	FetchPositionAmounts(ctx context.Context) (map[string]decimal.Decimal, error)
}

const requestTimeout = 5 * time.Second

// BinanceClient talks to Binance USDT-M futures over REST
type BinanceClient struct {
	restURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

// NewBinanceClient creates a REST client for the USDT-M futures API
func NewBinanceClient(restURL, apiKey, apiSecret string) *BinanceClient {
	return &BinanceClient{
		restURL:   strings.TrimRight(restURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: requestTimeout},
	}
}

// FetchTickers retrieves the full 24h ticker set in a single call
func (c *BinanceClient) FetchTickers(ctx context.Context) (map[string]types.Ticker, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
		CloseTime   int64  `json:"closeTime"`
	}
	if err := c.public(ctx, "/fapi/v1/ticker/24hr", nil, &raw); err != nil {
		return nil, err
	}

	tickers := make(map[string]types.Ticker, len(raw))
	for _, t := range raw {
		last, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			continue
		}
		vol, err := decimal.NewFromString(t.QuoteVolume)
		if err != nil {
			continue
		}
		tickers[t.Symbol] = types.Ticker{
			Symbol:        t.Symbol,
			LastPrice:     last,
			QuoteVolume24: vol,
			Timestamp:     time.UnixMilli(t.CloseTime),
		}
	}
	return tickers, nil
}

// FetchCandles retrieves up to limit klines for symbol at interval
func (c *BinanceClient) FetchCandles(ctx context.Context, symbol string, interval types.Interval, limit int) (types.CandleSeries, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]any
	if err := c.public(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make(types.CandleSeries, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		open := parseField(k[1])
		high := parseField(k[2])
		low := parseField(k[3])
		cls := parseField(k[4])
		vol := parseField(k[5])
		candles = append(candles, types.Candle{
			OpenTime: time.UnixMilli(int64(openTime)),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    cls,
			Volume:   vol,
		})
	}
	return candles, nil
}

// FetchOrderBook retrieves the book up to depth levels
func (c *BinanceClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.public(ctx, "/fapi/v1/depth", params, &raw); err != nil {
		return nil, err
	}

	book := &types.OrderBook{
		Bids: make([]types.OrderBookEntry, len(raw.Bids)),
		Asks: make([]types.OrderBookEntry, len(raw.Asks)),
	}
	for i, b := range raw.Bids {
		price, _ := decimal.NewFromString(b[0])
		qty, _ := decimal.NewFromString(b[1])
		book.Bids[i] = types.OrderBookEntry{Price: price, Quantity: qty}
	}
	for i, a := range raw.Asks {
		price, _ := decimal.NewFromString(a[0])
		qty, _ := decimal.NewFromString(a[1])
		book.Asks[i] = types.OrderBookEntry{Price: price, Quantity: qty}
	}
	return book, nil
}

// PlaceMarketOrder sets leverage then submits a market entry order
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal, leverage int) (*types.OrderResult, error) {
	lev := url.Values{}
	lev.Set("symbol", symbol)
	lev.Set("leverage", strconv.Itoa(leverage))
	if err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", lev, nil); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}

	side := "BUY"
	if dir == types.Short {
		side = "SELL"
	}
	return c.marketOrder(ctx, symbol, side, qty, false)
}

// ClosePosition submits a reduce-only market order opposite the position
func (c *BinanceClient) ClosePosition(ctx context.Context, symbol string, dir types.Direction, qty decimal.Decimal) (*types.OrderResult, error) {
	side := "SELL"
	if dir == types.Short {
		side = "BUY"
	}
	return c.marketOrder(ctx, symbol, side, qty, true)
}

func (c *BinanceClient) marketOrder(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool) (*types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		Status      string `json:"status"`
	}
	if err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params, &raw); err != nil {
		return nil, err
	}

	filled, _ := decimal.NewFromString(raw.ExecutedQty)
	avg, _ := decimal.NewFromString(raw.AvgPrice)
	return &types.OrderResult{
		OrderID:   strconv.FormatInt(raw.OrderID, 10),
		FilledQty: filled,
		AvgPrice:  avg,
		Status:    raw.Status,
	}, nil
}

// FetchPositionAmounts returns non-zero position sizes keyed by symbol.
// Positive = long, negative = short. Used by the reconciler.
func (c *BinanceClient) FetchPositionAmounts(ctx context.Context) (map[string]decimal.Decimal, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	if err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal)
	for _, p := range raw {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		out[p.Symbol] = amt
	}
	return out, nil
}

// ── Transport ────────────────────────────────────────────────────────────────

func (c *BinanceClient) public(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.restURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return c.do(req, out)
}

func (c *BinanceClient) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	endpoint := c.restURL + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req, out)
}

func (c *BinanceClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection resets are retryable at the gateway
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Code != 0 {
			return classify(resp.StatusCode, &apiErr)
		}
		return classify(resp.StatusCode, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.Debug().Str("path", req.URL.Path).Msg("unexpected response shape")
		return fmt.Errorf("%w: decode: %v", ErrUnknown, err)
	}
	return nil
}

// parseField handles Binance kline fields that arrive as JSON strings
func parseField(v any) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(s)
	return d
}
