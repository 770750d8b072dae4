package fetch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/candle-downloader/pkg/config"
	"github.com/veiloq/candle-downloader/pkg/exchange"
)

// marketSource serves a fixed market list for all_pairs planning.
type marketSource struct {
	scriptedSource
	markets []exchange.Pair
	err     error
}

func (m *marketSource) ListMarkets(ctx context.Context) ([]exchange.Pair, error) {
	return m.markets, m.err
}

func plannerConfig() *config.Config {
	return &config.Config{
		Exchange:          "scripted",
		BaseSymbols:       []string{"BTC", "ETH"},
		QuoteSymbols:      []string{"USDT"},
		Timeframes:        []string{"1h", "1d"},
		StartTime:         "2021-01-01T00:00:00Z",
		BatchSize:         1000,
		OutputDirectory:   "out",
		Concurrency:       1,
		RequestsPerSecond: 10,
	}
}

func TestPlanCrossProduct(t *testing.T) {
	planner := NewPlanner(&scriptedSource{})
	jobs, err := planner.Plan(context.Background(), plannerConfig())
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	job := jobs[0]
	assert.Equal(t, "scripted", job.Exchange)
	assert.Equal(t, exchange.Pair{Base: "BTC", Quote: "USDT"}, job.Pair)
	assert.Equal(t, "1h", job.Timeframe.Key)
	assert.Equal(t, int64(1609459200000), job.StartTime)
	assert.Equal(t, int64(0), job.EndTime)
	assert.Equal(t, 1000, job.BatchSize)
	assert.Equal(t, filepath.Join("out", "BTC_USDT_1h_2021-01-01_now_scripted.csv"), job.OutputPath)

	// Deterministic file names, disjoint per job.
	seen := map[string]bool{}
	for _, j := range jobs {
		assert.False(t, seen[j.OutputPath], "duplicate output path %s", j.OutputPath)
		seen[j.OutputPath] = true
	}
}

func TestPlanEndTimeInFileName(t *testing.T) {
	cfg := plannerConfig()
	cfg.EndTime = "2022-06-30T00:00:00Z"
	cfg.BaseSymbols = []string{"BTC"}
	cfg.Timeframes = []string{"1h"}

	jobs, err := NewPlanner(&scriptedSource{}).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, filepath.Join("out", "BTC_USDT_1h_2021-01-01_2022-06-30_scripted.csv"), jobs[0].OutputPath)
	assert.Equal(t, int64(1656547200000), jobs[0].EndTime)
}

func TestPlanAllPairsFiltersByQuote(t *testing.T) {
	source := &marketSource{markets: []exchange.Pair{
		{Base: "BTC", Quote: "USDT"},
		{Base: "ETH", Quote: "USDT"},
		{Base: "BTC", Quote: "EUR"},
		{Base: "ETH", Quote: "BTC"},
	}}
	cfg := plannerConfig()
	cfg.AllPairs = true
	cfg.BaseSymbols = nil
	cfg.Timeframes = []string{"1h"}

	jobs, err := NewPlanner(source).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "BTC", jobs[0].Pair.Base)
	assert.Equal(t, "ETH", jobs[1].Pair.Base)
	for _, j := range jobs {
		assert.Equal(t, "USDT", j.Pair.Quote)
	}
}

func TestPlanAllPairsListMarketsFailure(t *testing.T) {
	source := &marketSource{err: errors.New("exchange down")}
	cfg := plannerConfig()
	cfg.AllPairs = true

	_, err := NewPlanner(source).Plan(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing markets")
}

func TestPlanExplicitOutputFile(t *testing.T) {
	cfg := plannerConfig()
	cfg.BaseSymbols = []string{"BTC"}
	cfg.Timeframes = []string{"1h"}
	cfg.OutputFile = "custom.csv"

	jobs, err := NewPlanner(&scriptedSource{}).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, filepath.Join("out", "custom.csv"), jobs[0].OutputPath)
}

func TestPlanExplicitOutputFileRejectsMultipleJobs(t *testing.T) {
	cfg := plannerConfig()
	cfg.OutputFile = "custom.csv"

	_, err := NewPlanner(&scriptedSource{}).Plan(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one job")
}

// volumeSource serves a market list plus scripted daily history per symbol
// for volume ranking.
type volumeSource struct {
	scriptedSource
	markets []exchange.Pair
	daily   map[string][]exchange.Candle
	errs    map[string]error
}

func (v *volumeSource) ListMarkets(ctx context.Context) ([]exchange.Pair, error) {
	return v.markets, nil
}

func (v *volumeSource) Fetch(ctx context.Context, req exchange.FetchRequest) ([]exchange.Candle, error) {
	if err := v.errs[req.Pair.Symbol()]; err != nil {
		return nil, err
	}
	return v.daily[req.Pair.Symbol()], nil
}

// dailyHistory builds a flat daily series; a constant close and volume makes
// the expected average quote volume exactly close*volume.
func dailyHistory(days int, close, volume int64) []exchange.Candle {
	out := make([]exchange.Candle, days)
	for i := range out {
		p := decimal.NewFromInt(close)
		out[i] = exchange.Candle{
			Timestamp: t0 + int64(i)*24*hourMs,
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    decimal.NewFromInt(volume),
		}
	}
	return out
}

func TestPlanMostTradedRanksByQuoteVolume(t *testing.T) {
	source := &volumeSource{
		markets: []exchange.Pair{
			{Base: "BTC", Quote: "USDT"},
			{Base: "ETH", Quote: "USDT"},
			{Base: "DOGE", Quote: "USDT"},
			{Base: "USDC", Quote: "USDT"}, // stablecoin base, never ranked
			{Base: "BTC", Quote: "EUR"},   // wrong quote
			{Base: "DEAD", Quote: "USDT"}, // history fetch fails, skipped
			{Base: "NEW", Quote: "USDT"},  // no history yet
		},
		daily: map[string][]exchange.Candle{
			"BTCUSDT":  dailyHistory(10, 30000, 100),  // 3,000,000 quote volume
			"ETHUSDT":  dailyHistory(10, 2000, 5000),  // 10,000,000
			"DOGEUSDT": dailyHistory(10, 1, 1000),     // 1,000
			"USDCUSDT": dailyHistory(10, 1, 999999999),
		},
		errs: map[string]error{"DEADUSDT": errors.New("delisted")},
	}
	cfg := plannerConfig()
	cfg.MostTraded = true
	cfg.MostTradedDays = 10
	cfg.MostTradedLimit = 2
	cfg.BaseSymbols = nil
	cfg.Timeframes = []string{"1h"}

	jobs, err := NewPlanner(source).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, exchange.Pair{Base: "ETH", Quote: "USDT"}, jobs[0].Pair)
	assert.Equal(t, exchange.Pair{Base: "BTC", Quote: "USDT"}, jobs[1].Pair)
}

func TestPlanMostTradedKeepsAllPairsUnderLimit(t *testing.T) {
	source := &volumeSource{
		markets: []exchange.Pair{
			{Base: "BTC", Quote: "USDT"},
			{Base: "DOGE", Quote: "USDT"},
		},
		daily: map[string][]exchange.Candle{
			"BTCUSDT":  dailyHistory(5, 30000, 100),
			"DOGEUSDT": dailyHistory(5, 1, 1000),
		},
	}
	cfg := plannerConfig()
	cfg.MostTraded = true
	cfg.MostTradedDays = 5
	cfg.MostTradedLimit = 100
	cfg.Timeframes = []string{"1h"}

	jobs, err := NewPlanner(source).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "BTC", jobs[0].Pair.Base)
	assert.Equal(t, "DOGE", jobs[1].Pair.Base)
}

func TestPlanRejectsUnknownTimeframe(t *testing.T) {
	cfg := plannerConfig()
	cfg.Timeframes = []string{"1h", "2w"}

	_, err := NewPlanner(&scriptedSource{}).Plan(context.Background(), cfg)
	assert.ErrorIs(t, err, exchange.ErrInvalidInterval)
}
