package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/veiloq/candle-downloader/pkg/config"
	"github.com/veiloq/candle-downloader/pkg/exchange"
)

// Planner expands a configuration into the list of independent fetch jobs of
// a run: selected pairs (or every active pair of the exchange) crossed with
// the configured timeframes, each bound to its own deterministic output file.
type Planner struct {
	source exchange.Source
}

// NewPlanner creates a planner backed by the given source. The source is
// only consulted when the pair selection needs the exchange: market listing
// for all_pairs, market listing plus daily history for most_traded.
func NewPlanner(source exchange.Source) *Planner {
	return &Planner{source: source}
}

// Plan expands cfg into jobs. An explicit output_file is only valid when the
// expansion yields exactly one job; multiple jobs writing one file is a
// configuration error.
func (p *Planner) Plan(ctx context.Context, cfg *config.Config) ([]Job, error) {
	start, end, err := cfg.TimeRange()
	if err != nil {
		return nil, err
	}

	pairs, err := p.selectPairs(ctx, cfg)
	if err != nil {
		return nil, err
	}

	timeframes := make([]exchange.Timeframe, 0, len(cfg.Timeframes))
	for _, key := range cfg.Timeframes {
		tf, err := exchange.ParseTimeframe(key)
		if err != nil {
			return nil, err
		}
		timeframes = append(timeframes, tf)
	}

	jobs := make([]Job, 0, len(pairs)*len(timeframes))
	for _, pair := range pairs {
		for _, tf := range timeframes {
			name := outputFileName(p.source.Name(), pair, tf, start, end)
			if cfg.OutputFile != "" {
				name = cfg.OutputFile
			}
			jobs = append(jobs, Job{
				Exchange:   p.source.Name(),
				Pair:       pair,
				Timeframe:  tf,
				StartTime:  start,
				EndTime:    end,
				BatchSize:  cfg.BatchSize,
				OutputPath: filepath.Join(cfg.OutputDirectory, name),
			})
		}
	}
	if cfg.OutputFile != "" && len(jobs) != 1 {
		return nil, fmt.Errorf("output_file %q requires exactly one job, configuration expands to %d", cfg.OutputFile, len(jobs))
	}
	return jobs, nil
}

// selectPairs resolves the configured pair selection, querying the exchange
// for its markets when most_traded or all_pairs is set.
func (p *Planner) selectPairs(ctx context.Context, cfg *config.Config) ([]exchange.Pair, error) {
	quotes := make(map[string]bool, len(cfg.QuoteSymbols))
	for _, q := range cfg.QuoteSymbols {
		quotes[q] = true
	}

	if cfg.MostTraded {
		return p.rankPairsByVolume(ctx, cfg, quotes)
	}
	if cfg.AllPairs {
		markets, err := p.source.ListMarkets(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing markets: %w", err)
		}
		pairs := make([]exchange.Pair, 0, len(markets))
		for _, pair := range markets {
			if quotes[pair.Quote] {
				pairs = append(pairs, pair)
			}
		}
		return pairs, nil
	}

	pairs := make([]exchange.Pair, 0, len(cfg.BaseSymbols)*len(cfg.QuoteSymbols))
	for _, base := range cfg.BaseSymbols {
		for _, quote := range cfg.QuoteSymbols {
			pairs = append(pairs, exchange.Pair{Base: base, Quote: quote})
		}
	}
	return pairs, nil
}

// outputFileName derives the deterministic per-job file name, e.g.
// "BTC_USDT_1h_2015-01-01_now_binance.csv".
func outputFileName(exchangeName string, pair exchange.Pair, tf exchange.Timeframe, start, end int64) string {
	startDate := time.UnixMilli(start).UTC().Format("2006-01-02")
	endDate := "now"
	if end > 0 {
		endDate = time.UnixMilli(end).UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%s_%s_%s_%s_%s_%s.csv", pair.Base, pair.Quote, tf.Key, startDate, endDate, exchangeName)
}
