// Package config loads and validates the downloader configuration from a
// YAML file, environment variables and command-line flags (via viper).
//
// Configuration is an explicit immutable struct handed to the planner at
// construction; there is no process-wide configuration state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/veiloq/candle-downloader/pkg/exchange"
)

// Config holds every user-facing knob of a run. Values resolve in the usual
// viper order: flags override environment variables override the config file
// override defaults.
type Config struct {
	Exchange string `mapstructure:"exchange"`

	// Pair selection, in order of precedence: the most traded pairs by
	// recent quote volume (MostTraded), every active pair quoted in
	// QuoteSymbols (AllPairs), or the cross product of BaseSymbols and
	// QuoteSymbols.
	AllPairs     bool     `mapstructure:"all_pairs"`
	BaseSymbols  []string `mapstructure:"base_symbols"`
	QuoteSymbols []string `mapstructure:"quote_symbols"`

	// MostTraded ranks the exchange's active markets by average quote volume
	// over the trailing MostTradedDays of daily candles and downloads the top
	// MostTradedLimit pairs. Stablecoin bases are excluded from the ranking.
	MostTraded      bool `mapstructure:"most_traded"`
	MostTradedDays  int  `mapstructure:"most_traded_days"`
	MostTradedLimit int  `mapstructure:"most_traded_limit"`

	Timeframes []string `mapstructure:"timeframes"`

	// ISO-8601 timestamps. EndTime empty means open-ended.
	StartTime string `mapstructure:"start_time"`
	EndTime   string `mapstructure:"end_time"`

	BatchSize int `mapstructure:"batch_size"`

	OutputDirectory string `mapstructure:"output_directory"`
	// OutputFile forces a single explicit file name; only valid when the
	// configuration expands to exactly one job.
	OutputFile string `mapstructure:"output_file"`

	// Concurrency bounds the number of jobs running in parallel.
	Concurrency int `mapstructure:"concurrency"`
	// RequestsPerSecond is the shared request budget across all jobs.
	RequestsPerSecond int `mapstructure:"requests_per_second"`

	// Follow keeps output files growing with closed live candles after the
	// historical backfill completes.
	Follow bool `mapstructure:"follow"`

	EnableLogging bool `mapstructure:"enable_logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange", "binance")
	v.SetDefault("all_pairs", false)
	v.SetDefault("base_symbols", []string{
		"BTC", "ETH", "ADA", "DOT", "XRP", "SOL", "LTC", "AVAX", "LINK", "ATOM",
	})
	v.SetDefault("quote_symbols", []string{"USDT"})
	v.SetDefault("most_traded", false)
	v.SetDefault("most_traded_days", 365)
	v.SetDefault("most_traded_limit", 100)
	v.SetDefault("timeframes", []string{"1h", "1d", "1w", "1M"})
	v.SetDefault("start_time", "2015-01-01T00:00:00Z")
	v.SetDefault("end_time", "")
	v.SetDefault("batch_size", 1000)
	v.SetDefault("output_directory", "./csv_ohlcv")
	v.SetDefault("output_file", "")
	v.SetDefault("concurrency", 1)
	v.SetDefault("requests_per_second", 10)
	v.SetDefault("follow", false)
	v.SetDefault("enable_logging", true)
}

// Load reads the configuration. path may be empty, in which case only
// defaults, environment variables (CANDLE_ prefixed) and flags apply. flags
// may be nil. The returned config is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CANDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		// Bind only flags the user actually set, so untouched flag defaults
		// never shadow config file values.
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fails fast on anything that would
// make the run ambiguous, before any job starts.
func (c *Config) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("exchange must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.RequestsPerSecond < 1 {
		return fmt.Errorf("requests_per_second must be at least 1, got %d", c.RequestsPerSecond)
	}
	if len(c.QuoteSymbols) == 0 {
		return fmt.Errorf("quote_symbols must not be empty")
	}
	if !c.AllPairs && !c.MostTraded && len(c.BaseSymbols) == 0 {
		return fmt.Errorf("base_symbols must not be empty unless all_pairs or most_traded is set")
	}
	if c.MostTraded {
		if c.MostTradedDays < 1 {
			return fmt.Errorf("most_traded_days must be at least 1, got %d", c.MostTradedDays)
		}
		if c.MostTradedLimit < 1 {
			return fmt.Errorf("most_traded_limit must be at least 1, got %d", c.MostTradedLimit)
		}
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("timeframes must not be empty")
	}
	for _, tf := range c.Timeframes {
		if _, err := exchange.ParseTimeframe(tf); err != nil {
			return err
		}
	}

	start, end, err := c.TimeRange()
	if err != nil {
		return err
	}
	if end != 0 && end <= start {
		return fmt.Errorf("%w: end_time %s is not after start_time %s",
			exchange.ErrInvalidTimeRange, c.EndTime, c.StartTime)
	}

	if c.OutputFile != "" {
		if c.AllPairs || c.MostTraded {
			return fmt.Errorf("output_file cannot be combined with all_pairs or most_traded: multiple jobs would write one file")
		}
		if jobs := len(c.BaseSymbols) * len(c.QuoteSymbols) * len(c.Timeframes); jobs != 1 {
			return fmt.Errorf("output_file requires exactly one pair and timeframe, configuration expands to %d jobs", jobs)
		}
	}
	return nil
}

// TimeRange returns the configured start and end times as millisecond epoch
// timestamps. end is 0 when the run is open-ended.
func (c *Config) TimeRange() (start, end int64, err error) {
	st, err := time.Parse(time.RFC3339, c.StartTime)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing start_time %q: %w", c.StartTime, err)
	}
	start = st.UnixMilli()
	if c.EndTime == "" {
		return start, 0, nil
	}
	et, err := time.Parse(time.RFC3339, c.EndTime)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing end_time %q: %w", c.EndTime, err)
	}
	return start, et.UnixMilli(), nil
}
