package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veiloq/candle-downloader/pkg/config"
	"github.com/veiloq/candle-downloader/pkg/exchange"
)

// stablecoinBases are excluded from volume ranking. Stablecoin-to-stablecoin
// markets carry enormous raw quote volume without being interesting download
// targets.
var stablecoinBases = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"TUSD":  true,
	"PAX":   true,
	"BUSD":  true,
	"DAI":   true,
	"FDUSD": true,
}

// quoteVolumeWindow is the rolling window, in candles, over which close price
// and base volume are averaged before being multiplied into a quote volume
// estimate. Histories shorter than the window collapse to a single
// whole-series window.
const quoteVolumeWindow = 96

// rankPairsByVolume selects the exchange's most traded markets: active pairs
// quoted in one of the configured quote symbols, ranked by average quote
// volume over the trailing most_traded_days of daily candles, capped at
// most_traded_limit. Pairs whose history cannot be fetched are skipped so one
// delisted market cannot abort planning.
func (p *Planner) rankPairsByVolume(ctx context.Context, cfg *config.Config, quotes map[string]bool) ([]exchange.Pair, error) {
	markets, err := p.source.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing markets: %w", err)
	}
	daily, err := exchange.ParseTimeframe("1d")
	if err != nil {
		return nil, err
	}
	since := time.Now().AddDate(0, 0, -cfg.MostTradedDays).UnixMilli()

	type rankedPair struct {
		pair   exchange.Pair
		volume float64
	}
	ranked := make([]rankedPair, 0, len(markets))
	for _, pair := range markets {
		if !quotes[pair.Quote] || stablecoinBases[pair.Base] {
			continue
		}
		candles, err := p.source.Fetch(ctx, exchange.FetchRequest{
			Pair:      pair,
			Timeframe: daily,
			Since:     since,
			Limit:     cfg.MostTradedDays,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}
		if len(candles) == 0 {
			continue
		}
		ranked = append(ranked, rankedPair{pair: pair, volume: averageQuoteVolume(candles)})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].volume > ranked[j].volume })
	if len(ranked) > cfg.MostTradedLimit {
		ranked = ranked[:cfg.MostTradedLimit]
	}

	pairs := make([]exchange.Pair, len(ranked))
	for i, r := range ranked {
		pairs[i] = r.pair
	}
	return pairs, nil
}

// averageQuoteVolume estimates traded quote volume as the mean over all
// rolling windows of average close price times average base volume.
func averageQuoteVolume(candles []exchange.Candle) float64 {
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
		volumes[i] = c.Volume.InexactFloat64()
	}

	window := quoteVolumeWindow
	if len(candles) < window {
		window = len(candles)
	}

	var sum float64
	var windows int
	for i := window - 1; i < len(closes); i++ {
		sum += mean(closes[i-window+1:i+1]) * mean(volumes[i-window+1:i+1])
		windows++
	}
	return sum / float64(windows)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
