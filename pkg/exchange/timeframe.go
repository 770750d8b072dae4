package exchange

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe describes one supported candle bucket duration.
//
// Duration is nominal: for the month timeframe it is fixed at 30 days, which
// matches the step the original ccxt tooling used when advancing a cursor
// past a monthly candle. Exchanges return the next real candle at or after
// the requested start, so a nominal step can never skip data.
type Timeframe struct {
	Key      string
	Duration time.Duration
}

const day = 24 * time.Hour

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute},
	"3m":  {Key: "3m", Duration: 3 * time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"2h":  {Key: "2h", Duration: 2 * time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"6h":  {Key: "6h", Duration: 6 * time.Hour},
	"8h":  {Key: "8h", Duration: 8 * time.Hour},
	"12h": {Key: "12h", Duration: 12 * time.Hour},
	"1d":  {Key: "1d", Duration: day},
	"3d":  {Key: "3d", Duration: 3 * day},
	"1w":  {Key: "1w", Duration: 7 * day},
	"1M":  {Key: "1M", Duration: 30 * day},
}

// ParseTimeframe returns the normalized timeframe definition for input.
// Keys are case-sensitive: "1m" is one minute, "1M" is one month.
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.TrimSpace(input)
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidInterval, input)
	}
	return tf, nil
}

// SupportedTimeframes returns all supported keys, sorted by duration.
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedTimeframes[keys[i]].Duration < supportedTimeframes[keys[j]].Duration
	})
	return keys
}

// StepMillis returns the cursor advancement step in milliseconds.
func (tf Timeframe) StepMillis() int64 {
	return tf.Duration.Milliseconds()
}

// String returns the timeframe key.
func (tf Timeframe) String() string {
	return tf.Key
}
