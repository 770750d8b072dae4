package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/veiloq/candle-downloader/pkg/csvstore"
	"github.com/veiloq/candle-downloader/pkg/exchange"
	"github.com/veiloq/candle-downloader/pkg/logging"
)

// Follow keeps the job's output file growing with closed live candles after
// the historical backfill completed. It requires a source that implements
// exchange.Streamer and blocks until the context is cancelled or the
// subscription fails.
//
// Candles behind the resume marker are dropped, so the strictly increasing
// timestamp invariant of the file holds across the backfill/stream boundary.
// Candles past the job's EndTime are dropped too; a bounded file never grows
// beyond its range.
func (e *Engine) Follow(ctx context.Context, job Job) error {
	streamer, ok := e.source.(exchange.Streamer)
	if !ok {
		return fmt.Errorf("source %s does not support candle streaming", e.source.Name())
	}

	step := job.Timeframe.StepMillis()
	next := job.StartTime
	if last, resumed, err := csvstore.LastTimestamp(job.OutputPath); err != nil {
		return err
	} else if resumed {
		next = last + step
	}

	logger := e.logger.WithFields(
		logging.String("pair", job.Pair.String()),
		logging.String("timeframe", job.Timeframe.Key),
		logging.String("output", job.OutputPath),
	)
	logger.Info("following live candles", logging.Int64("next_timestamp", next))

	// The handler runs on the stream's read goroutine; serialize appends.
	var mu sync.Mutex
	return streamer.SubscribeCandles(ctx, job.Pair, job.Timeframe, func(c exchange.Candle) {
		mu.Lock()
		defer mu.Unlock()
		if c.Timestamp < next {
			return
		}
		if job.EndTime > 0 && c.Timestamp > job.EndTime {
			return
		}
		if err := e.sink.Append(job.OutputPath, []exchange.Candle{c}); err != nil {
			logger.Error("appending live candle failed", logging.Error(err))
			return
		}
		next = c.Timestamp + step
		logger.Debug("live candle appended", logging.Int64("timestamp", c.Timestamp))
	})
}
