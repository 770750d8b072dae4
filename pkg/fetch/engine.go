package fetch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/avast/retry-go"

	"github.com/veiloq/candle-downloader/pkg/csvstore"
	"github.com/veiloq/candle-downloader/pkg/exchange"
	"github.com/veiloq/candle-downloader/pkg/logging"
)

// EngineConfig holds the collaborators and tuning knobs of an Engine.
type EngineConfig struct {
	Source exchange.Source
	Sink   *csvstore.Sink
	Logger logging.Logger

	// MaxRetries is the total attempt budget for one batch request when the
	// source keeps failing transiently. Defaults to 5.
	MaxRetries uint

	// RetryDelay is the base backoff delay; attempts back off exponentially
	// from it, capped at one minute. Defaults to 2s.
	RetryDelay time.Duration

	// EmptyThreshold is how many consecutive empty responses signal the end
	// of available history. Defaults to 1.
	EmptyThreshold int
}

// Engine drives the pagination loop for fetch jobs. One engine serves any
// number of jobs; all per-job state lives in the cursor local to Run, so an
// engine is safe for concurrent use across disjoint output paths.
type Engine struct {
	source         exchange.Source
	sink           *csvstore.Sink
	logger         logging.Logger
	maxRetries     uint
	retryDelay     time.Duration
	emptyThreshold int
}

// NewEngine creates an engine from the given configuration, applying
// defaults for unset tuning knobs.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Sink == nil {
		cfg.Sink = csvstore.NewSink()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.EmptyThreshold == 0 {
		cfg.EmptyThreshold = 1
	}
	return &Engine{
		source:         cfg.Source,
		sink:           cfg.Sink,
		logger:         cfg.Logger,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		emptyThreshold: cfg.EmptyThreshold,
	}
}

// Run executes one job to a terminal state.
//
// The cursor starts at the job's StartTime, or one timeframe step after the
// last row of an existing output file. Each successful batch is a durable
// state transition: rows are flushed to the CSV before the cursor advances,
// so at most one unflushed batch can ever be lost. Cancellation is honored
// between batches only; partial batches are never persisted.
func (e *Engine) Run(ctx context.Context, job Job) Outcome {
	logger := e.logger.WithFields(
		logging.String("pair", job.Pair.String()),
		logging.String("timeframe", job.Timeframe.Key),
		logging.String("output", job.OutputPath),
	)

	step := job.Timeframe.StepMillis()
	cursor := job.StartTime

	last, resumed, err := csvstore.LastTimestamp(job.OutputPath)
	if err != nil {
		logger.Error("resume state unreadable", logging.Error(err))
		return Outcome{Job: job, Status: StatusFailed, Err: err}
	}
	if resumed {
		cursor = last + step
		logger.Info("resuming from existing output", logging.Int64("next_timestamp", cursor))
	}

	var (
		rows      int64
		batches   int64
		emptyRuns int
	)
	for {
		if err := ctx.Err(); err != nil {
			logger.Info("stopped between batches", logging.Error(err))
			return Outcome{Job: job, Status: StatusPartial, Rows: rows, Batches: batches, Err: err}
		}
		if job.EndTime > 0 && cursor > job.EndTime {
			break
		}

		batch, err := e.fetchBatch(ctx, job, cursor, logger)
		if err != nil {
			if exchange.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("giving up after transient failures, progress preserved", logging.Error(err))
				return Outcome{Job: job, Status: StatusPartial, Rows: rows, Batches: batches, Err: err}
			}
			logger.Error("permanent fetch error", logging.Error(err))
			return Outcome{Job: job, Status: StatusFailed, Rows: rows, Batches: batches, Err: err}
		}

		if len(batch) == 0 {
			emptyRuns++
			if emptyRuns >= e.emptyThreshold {
				break
			}
			continue
		}
		emptyRuns = 0

		// Sources guarantee ascending order; re-sort defensively.
		if !sort.SliceIsSorted(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp }) {
			sort.Slice(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp })
		}
		rawLast := batch[len(batch)-1].Timestamp

		filtered := filterBatch(batch, cursor, job.EndTime)
		if len(filtered) == 0 {
			if job.EndTime > 0 && rawLast > job.EndTime {
				break
			}
			if rawLast+step > cursor {
				// Pure overlap from the exchange; skip past it.
				cursor = rawLast + step
				continue
			}
			// The source is not advancing; treat like an empty response so
			// the job cannot spin on a stuck cursor.
			emptyRuns++
			if emptyRuns >= e.emptyThreshold {
				break
			}
			continue
		}

		if err := e.sink.Append(job.OutputPath, filtered); err != nil {
			logger.Error("writing batch failed", logging.Error(err))
			return Outcome{Job: job, Status: StatusFailed, Rows: rows, Batches: batches, Err: err}
		}
		rows += int64(len(filtered))
		batches++
		cursor = filtered[len(filtered)-1].Timestamp + step

		logger.Info("batch written",
			logging.Int("candles", len(filtered)),
			logging.Int64("total_rows", rows),
			logging.Int64("next_timestamp", cursor),
		)

		if job.EndTime > 0 && rawLast >= job.EndTime {
			break
		}
	}

	logger.Info("download complete",
		logging.Int64("rows", rows),
		logging.Int64("batches", batches),
	)
	return Outcome{Job: job, Status: StatusDone, Rows: rows, Batches: batches}
}

// fetchBatch requests one batch at the cursor, retrying transient failures
// with exponential backoff. The cursor is never advanced on retry; the same
// request is repeated until it succeeds or the attempt budget runs out.
func (e *Engine) fetchBatch(ctx context.Context, job Job, cursor int64, logger logging.Logger) ([]exchange.Candle, error) {
	var batch []exchange.Candle
	err := retry.Do(
		func() error {
			b, err := e.source.Fetch(ctx, exchange.FetchRequest{
				Pair:      job.Pair,
				Timeframe: job.Timeframe,
				Since:     cursor,
				Limit:     job.BatchSize,
			})
			if err != nil {
				return err
			}
			batch = b
			return nil
		},
		retry.RetryIf(exchange.IsTransient),
		retry.Attempts(e.maxRetries),
		retry.Delay(e.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("transient fetch error, backing off",
				logging.Int("attempt", int(n)),
				logging.Int64("since", cursor),
				logging.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// filterBatch drops candles behind the cursor (duplicate overlap from the
// exchange) and truncates past endTime when one is set, preserving the
// append-only, strictly increasing invariant of the output file.
func filterBatch(batch []exchange.Candle, cursor, endTime int64) []exchange.Candle {
	out := batch[:0:len(batch)]
	for _, c := range batch {
		if c.Timestamp < cursor {
			continue
		}
		if endTime > 0 && c.Timestamp > endTime {
			break
		}
		out = append(out, c)
	}
	return out
}
