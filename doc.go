// Package candledownloader fetches historical OHLCV candlestick data from a
// cryptocurrency exchange's REST API and persists it as CSV files, resuming
// from the last saved row if interrupted.
//
// The heart of the module is a resumable, rate-limited pagination engine
// (pkg/fetch) that walks an exchange's time-series API in bounded batches,
// merges results with on-disk state and guarantees no data loss or
// duplication across restarts.
//
// Core properties:
//
//   - Resume by reading the last row of the output file: the CSV itself is
//     the durable checkpoint, so no separate state file can desynchronize
//     from the data. A crash loses at most the batch in flight.
//   - Strictly increasing timestamps per file; duplicate overlap from the
//     exchange is filtered before writing.
//   - Transient failures (timeouts, rate-limit rejections, 5xx) are retried
//     with exponential backoff up to a ceiling; permanent failures (unknown
//     pair, bad credentials) abort only the affected job.
//   - Jobs are independent: they touch disjoint output files and share
//     nothing except one rate-limit token bucket, so they can run in a
//     bounded worker pool.
//
// Layout:
//
//   - pkg/exchange defines the candle data model and the Source capability;
//     pkg/exchange/binance implements it for the Binance spot API
//   - pkg/fetch holds the pagination engine, the job planner and the
//     optional live follow mode
//   - pkg/csvstore appends candle rows and derives resume markers
//   - pkg/httpclient, pkg/ratelimit, pkg/stream and pkg/logging are the
//     supporting transport and observability layers
//   - cmd/candle-downloader is the CLI front end (YAML config via viper,
//     flags via pflag)
//
// # Example
//
// Downloading hourly BTC/USDT history and resuming it later:
//
//	candle-downloader --base_symbols BTC --quote_symbols USDT \
//	    --timeframes 1h --start_time 2021-01-01T00:00:00Z
//
// Re-running the same command requests candles strictly after the last
// written row and appends only new data; with no new upstream candles the
// output file is left byte-identical.
package candledownloader
