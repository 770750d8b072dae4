// Command candle-downloader fetches historical OHLCV candles from an
// exchange and persists them as CSV files, resuming from the last written
// row after interruption.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/veiloq/candle-downloader/pkg/config"
	"github.com/veiloq/candle-downloader/pkg/exchange"
	"github.com/veiloq/candle-downloader/pkg/exchange/binance"
	"github.com/veiloq/candle-downloader/pkg/fetch"
	"github.com/veiloq/candle-downloader/pkg/logging"
	"github.com/veiloq/candle-downloader/pkg/ratelimit"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("candle-downloader", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("exchange", "binance", "exchange to download from")
	flags.Bool("all_pairs", false, "download every active pair quoted in quote_symbols")
	flags.Bool("most_traded", false, "download the most traded pairs by recent quote volume")
	flags.Int("most_traded_days", 365, "daily candle window used to rank pairs by volume")
	flags.Int("most_traded_limit", 100, "how many ranked pairs to download")
	flags.StringSlice("base_symbols", nil, "base currencies to download")
	flags.StringSlice("quote_symbols", nil, "quote currencies")
	flags.StringSlice("timeframes", nil, "candle timeframes (e.g. 1h,1d)")
	flags.String("start_time", "", "ISO-8601 start of the requested range")
	flags.String("end_time", "", "ISO-8601 end of the range (empty means open-ended)")
	flags.Int("batch_size", 1000, "candles requested per batch")
	flags.String("output_directory", "", "directory for CSV output files")
	flags.String("output_file", "", "explicit output file name (single-job runs only)")
	flags.Int("concurrency", 1, "jobs running in parallel")
	flags.Int("requests_per_second", 10, "shared exchange request budget")
	flags.Bool("follow", false, "keep appending closed live candles after the backfill")
	flags.Bool("enable_logging", true, "structured logging to stdout")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}

	logger := logging.NewNop()
	if cfg.EnableLogging {
		logger = logging.NewZapLogger(logging.WithLevel(logging.INFO))
	}
	if zl, ok := logger.(*logging.ZapLogger); ok {
		defer zl.Close()
	}

	// Cancellation is honored between batches; the resume marker stays at
	// the last fully written batch.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One token bucket for the whole run: parallel jobs share the exchange's
	// request quota instead of multiplying it.
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Rate{
		Limit:    cfg.RequestsPerSecond,
		Interval: time.Second,
	})

	var source exchange.Source
	switch cfg.Exchange {
	case "binance":
		opts := binance.DefaultOptions()
		opts.Limiter = limiter
		opts.Logger = logger
		source = binance.NewConnector(opts)
	default:
		fmt.Fprintf(os.Stderr, "unsupported exchange %q\n", cfg.Exchange)
		return 2
	}

	jobs, err := fetch.NewPlanner(source).Plan(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "planning jobs: %v\n", err)
		return 2
	}
	logger.Info("run planned",
		logging.String("exchange", cfg.Exchange),
		logging.Int("jobs", len(jobs)),
		logging.Int("concurrency", cfg.Concurrency),
	)

	engine := fetch.NewEngine(fetch.EngineConfig{
		Source: source,
		Logger: logger,
	})

	// Job failures are isolated: every job runs to a terminal state before
	// the process decides its exit code.
	outcomes := make([]fetch.Outcome, len(jobs))
	var group errgroup.Group
	group.SetLimit(cfg.Concurrency)
	for i, job := range jobs {
		i, job := i, job
		group.Go(func() error {
			outcomes[i] = engine.Run(ctx, job)
			return nil
		})
	}
	_ = group.Wait()

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed++
			logger.Error("job did not complete",
				logging.String("pair", outcome.Job.Pair.String()),
				logging.String("timeframe", outcome.Job.Timeframe.Key),
				logging.String("status", string(outcome.Status)),
				logging.Error(outcome.Err),
			)
		}
	}
	logger.Info("backfill finished",
		logging.Int("jobs", len(jobs)),
		logging.Int("failed", failed),
	)

	if cfg.Follow && failed == 0 && ctx.Err() == nil {
		followJobs(ctx, engine, outcomes, logger)
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// followJobs streams closed live candles into every completed open-ended
// job's output file until the process receives a stop signal. Jobs bounded by
// an end_time are already complete; their files must not grow further.
func followJobs(ctx context.Context, engine *fetch.Engine, outcomes []fetch.Outcome, logger logging.Logger) {
	var group errgroup.Group
	for _, outcome := range outcomes {
		if outcome.Status != fetch.StatusDone || outcome.Job.EndTime > 0 {
			continue
		}
		job := outcome.Job
		group.Go(func() error {
			if err := engine.Follow(ctx, job); err != nil {
				logger.Error("follow stopped",
					logging.String("pair", job.Pair.String()),
					logging.String("timeframe", job.Timeframe.Key),
					logging.Error(err),
				)
			}
			return nil
		})
	}
	_ = group.Wait()
}
