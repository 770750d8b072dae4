// Package fetch implements the resumable, rate-limited pagination engine
// that walks an exchange's candle API in bounded batches and persists the
// results as append-only CSV.
package fetch

import (
	"github.com/veiloq/candle-downloader/pkg/exchange"
)

// Status is the terminal state of a job.
type Status string

const (
	// StatusDone means the job reached the end of the requested range or the
	// end of available history.
	StatusDone Status = "done"

	// StatusFailed means the job hit a permanent error (unknown pair, bad
	// credentials, corrupt output file) and was aborted.
	StatusFailed Status = "failed"

	// StatusPartial means the job was interrupted by a transient failure
	// that outlived the retry budget, or by cancellation. Everything written
	// so far is durable; a later run resumes from the last written row.
	StatusPartial Status = "partial"
)

// Job describes one independent fetch unit: a pair and timeframe bound to a
// single output file. Jobs are immutable once planned.
type Job struct {
	Exchange  string
	Pair      exchange.Pair
	Timeframe exchange.Timeframe

	// StartTime is the first bucket opening time to request, in the
	// exchange's native epoch unit (ms). Ignored when the output file
	// already contains rows; the resume marker wins.
	StartTime int64

	// EndTime bounds the fetched range inclusively. 0 means open-ended.
	EndTime int64

	BatchSize  int
	OutputPath string
}

// Outcome is the result of running one job.
type Outcome struct {
	Job     Job
	Status  Status
	Rows    int64
	Batches int64
	Err     error
}

// Failed reports whether the job ended in any non-Done state.
func (o Outcome) Failed() bool {
	return o.Status != StatusDone
}
