// Package e2e exercises the full download pipeline against a fake exchange
// REST endpoint: planning, batched fetching, CSV persistence and resume.
package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/candle-downloader/pkg/config"
	"github.com/veiloq/candle-downloader/pkg/csvstore"
	"github.com/veiloq/candle-downloader/pkg/exchange/binance"
	"github.com/veiloq/candle-downloader/pkg/fetch"
	"github.com/veiloq/candle-downloader/pkg/ratelimit"
)

const (
	hourMs = int64(3600000)
	t0     = int64(1609459200000) // 2021-01-01T00:00:00Z
)

// fakeExchange serves a fixed hourly candle history over the klines endpoint
// and records the startTime of every request it answers.
type fakeExchange struct {
	mu         sync.Mutex
	timestamps []int64
	startTimes []int64
}

func newFakeExchange(candles int) *fakeExchange {
	f := &fakeExchange{}
	for i := 0; i < candles; i++ {
		f.timestamps = append(f.timestamps, t0+int64(i)*hourMs)
	}
	return f
}

func (f *fakeExchange) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/klines":
			f.serveKlines(w, r)
		case "/api/v3/exchangeInfo":
			w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","isSpotTradingAllowed":true}]}`))
		default:
			http.NotFound(w, r)
		}
	}
}

func (f *fakeExchange) serveKlines(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 1000
	}

	f.mu.Lock()
	f.startTimes = append(f.startTimes, since)
	f.mu.Unlock()

	var rows []string
	for _, ts := range f.timestamps {
		if ts < since {
			continue
		}
		if len(rows) == limit {
			break
		}
		price := 29000 + (ts-t0)/hourMs
		rows = append(rows, fmt.Sprintf(
			`[%d,"%d.10000000","%d.50000000","%d.00000000","%d.25000000","12.34000000",%d,"0",1,"0","0","0"]`,
			ts, price, price, price, price, ts+hourMs-1))
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
}

func (f *fakeExchange) requestedStartTimes() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.startTimes...)
}

func setupRun(t *testing.T, exch *fakeExchange) (*config.Config, *fetch.Engine, []fetch.Job) {
	t.Helper()
	server := httptest.NewServer(exch.handler())
	t.Cleanup(server.Close)

	source := binance.NewConnector(&binance.Options{
		BaseURL:    server.URL,
		RateLimit:  ratelimit.Rate{Limit: 1000, Interval: time.Second},
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	cfg := &config.Config{
		Exchange:          "binance",
		BaseSymbols:       []string{"BTC"},
		QuoteSymbols:      []string{"USDT"},
		Timeframes:        []string{"1h"},
		StartTime:         "2021-01-01T00:00:00Z",
		BatchSize:         2,
		OutputDirectory:   t.TempDir(),
		Concurrency:       1,
		RequestsPerSecond: 1000,
	}
	require.NoError(t, cfg.Validate())

	jobs, err := fetch.NewPlanner(source).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	engine := fetch.NewEngine(fetch.EngineConfig{
		Source:     source,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	return cfg, engine, jobs
}

func TestFullDownload(t *testing.T) {
	exch := newFakeExchange(5)
	_, engine, jobs := setupRun(t, exch)

	outcome := engine.Run(context.Background(), jobs[0])
	require.NoError(t, outcome.Err)
	assert.Equal(t, fetch.StatusDone, outcome.Status)
	assert.Equal(t, int64(5), outcome.Rows)
	assert.Equal(t, int64(3), outcome.Batches)

	data, err := os.ReadFile(jobs[0].OutputPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, csvstore.Header, lines[0])
	assert.Equal(t, "1609459200000,29000.1,29000.5,29000,29000.25,12.34", lines[1])
	assert.Equal(t, "1609473600000,29004.1,29004.5,29004,29004.25,12.34", lines[5])

	assert.Equal(t, filepath.Base(jobs[0].OutputPath), "BTC_USDT_1h_2021-01-01_now_binance.csv")
}

func TestRerunIsIdempotent(t *testing.T) {
	exch := newFakeExchange(5)
	_, engine, jobs := setupRun(t, exch)

	outcome := engine.Run(context.Background(), jobs[0])
	require.Equal(t, fetch.StatusDone, outcome.Status)
	before, err := os.ReadFile(jobs[0].OutputPath)
	require.NoError(t, err)

	outcome = engine.Run(context.Background(), jobs[0])
	assert.Equal(t, fetch.StatusDone, outcome.Status)
	assert.Equal(t, int64(0), outcome.Rows)

	after, err := os.ReadFile(jobs[0].OutputPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInterruptedRunResumes(t *testing.T) {
	exch := newFakeExchange(5)
	_, engine, jobs := setupRun(t, exch)

	outcome := engine.Run(context.Background(), jobs[0])
	require.Equal(t, fetch.StatusDone, outcome.Status)
	full, err := os.ReadFile(jobs[0].OutputPath)
	require.NoError(t, err)

	// Truncate the file to three data rows, simulating a run that was killed
	// mid-download.
	lines := strings.SplitAfter(string(full), "\n")
	require.NoError(t, os.WriteFile(jobs[0].OutputPath, []byte(strings.Join(lines[:4], "")), 0o644))

	requestsBefore := len(exch.requestedStartTimes())
	outcome = engine.Run(context.Background(), jobs[0])
	require.Equal(t, fetch.StatusDone, outcome.Status)
	assert.Equal(t, int64(2), outcome.Rows)

	// The first resumed request starts one step past the surviving marker.
	starts := exch.requestedStartTimes()
	require.Greater(t, len(starts), requestsBefore)
	assert.Equal(t, t0+3*hourMs, starts[requestsBefore])

	restored, err := os.ReadFile(jobs[0].OutputPath)
	require.NoError(t, err)
	assert.Equal(t, string(full), string(restored), "resume must rebuild the identical file")
}

func TestBoundedRangeDownload(t *testing.T) {
	exch := newFakeExchange(10)
	server := httptest.NewServer(exch.handler())
	t.Cleanup(server.Close)

	source := binance.NewConnector(&binance.Options{
		BaseURL:    server.URL,
		RateLimit:  ratelimit.Rate{Limit: 1000, Interval: time.Second},
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	cfg := &config.Config{
		Exchange:          "binance",
		BaseSymbols:       []string{"BTC"},
		QuoteSymbols:      []string{"USDT"},
		Timeframes:        []string{"1h"},
		StartTime:         "2021-01-01T00:00:00Z",
		EndTime:           "2021-01-01T03:00:00Z",
		BatchSize:         1000,
		OutputDirectory:   t.TempDir(),
		Concurrency:       1,
		RequestsPerSecond: 1000,
	}
	require.NoError(t, cfg.Validate())

	jobs, err := fetch.NewPlanner(source).Plan(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "BTC_USDT_1h_2021-01-01_2021-01-01_binance.csv", filepath.Base(jobs[0].OutputPath))

	engine := fetch.NewEngine(fetch.EngineConfig{Source: source, RetryDelay: time.Millisecond})
	outcome := engine.Run(context.Background(), jobs[0])
	require.Equal(t, fetch.StatusDone, outcome.Status)
	assert.Equal(t, int64(4), outcome.Rows)

	ts, ok, err := csvstore.LastTimestamp(jobs[0].OutputPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0+3*hourMs, ts)
}
