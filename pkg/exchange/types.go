// Package exchange defines the data model and the source capability that the
// fetch engine consumes.
//
// A Source is anything that can return ordered batches of historical OHLCV
// candles and enumerate the markets it serves. Concrete implementations live
// in subpackages (see pkg/exchange/binance); the engine never depends on a
// specific exchange.
package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV (Open, High, Low, Close, Volume) market data for
// one time bucket.
//
// Timestamp is the bucket's opening time in the exchange's native epoch unit
// (milliseconds for Binance). Prices and volume are decimals parsed from the
// exchange's textual representation, so the precision the exchange provides
// survives the round trip into CSV.
type Candle struct {
	Timestamp int64

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Pair identifies a traded market as a base/quote currency combination.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair parses the conventional "BASE/QUOTE" form (e.g. "BTC/USDT").
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

// Symbol returns the concatenated exchange form, e.g. "BTCUSDT".
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

// String returns the conventional "BASE/QUOTE" form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// FetchRequest describes one historical candle request.
//
// Since is the earliest bucket opening time to return, in the exchange's
// native epoch unit. Sources return at most Limit candles with timestamps at
// or after Since, sorted ascending.
type FetchRequest struct {
	Pair      Pair
	Timeframe Timeframe
	Since     int64
	Limit     int
}

// Source is the capability the fetch engine is built on: ordered historical
// candle batches plus market enumeration.
//
// Implementations should handle:
//   - rate limiting according to exchange requirements
//   - data normalization to the Candle type
//   - error classification (see errors.go): transient failures must be
//     distinguishable from permanent ones, since only the former are retried
type Source interface {
	// Fetch retrieves up to req.Limit candles starting at req.Since, sorted
	// ascending by timestamp. An empty slice with a nil error means the
	// exchange has no candles at or after req.Since.
	Fetch(ctx context.Context, req FetchRequest) ([]Candle, error)

	// ListMarkets enumerates the tradable pairs of the exchange.
	ListMarkets(ctx context.Context) ([]Pair, error)

	// Name returns the exchange identifier, e.g. "binance".
	Name() string
}

// CandleHandler processes candle updates delivered by a streaming
// subscription.
type CandleHandler func(Candle)

// Streamer is the optional live-data capability of a Source. Connectors that
// also expose a WebSocket kline stream implement it; the follow mode of the
// downloader uses it to keep output files growing after the historical
// backfill completes.
type Streamer interface {
	// SubscribeCandles delivers closed candles for the pair and timeframe to
	// the handler until the context is cancelled.
	SubscribeCandles(ctx context.Context, pair Pair, tf Timeframe, handler CandleHandler) error
}
