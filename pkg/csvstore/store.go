// Package csvstore persists candles as append-only CSV files and derives the
// resume marker for a job from the file itself.
//
// The output file doubles as the durable checkpoint: the last complete row is
// the last successfully written candle, so there is no separate state file
// that could desynchronize from the data. Rows are flushed and fsynced before
// Append returns, which bounds data loss on a crash to the batch currently in
// flight.
package csvstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/veiloq/candle-downloader/pkg/exchange"
)

// Header is the fixed column order of every output file.
const Header = "timestamp,open,high,low,close,volume"

// ErrCorruptState is returned when the trailing row of an existing output
// file cannot be parsed as a candle. The file is left untouched; the affected
// job aborts pending manual repair.
var ErrCorruptState = errors.New("corrupt resume state")

// tailWindow is how many trailing bytes LastTimestamp reads when locating the
// last row. A candle row is a few dozen bytes, so one window always covers it.
const tailWindow = 8192

// Sink appends candle rows to CSV files in timestamp order.
type Sink struct{}

// NewSink returns a CSV sink.
func NewSink() *Sink {
	return &Sink{}
}

// Append writes candles to path in append mode, creating the file (and its
// directory) with a header row when it does not exist yet. The write is
// flushed to durable storage before Append returns.
func (s *Sink) Append(path string, candles []exchange.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if info.Size() == 0 {
		if _, err := w.WriteString(Header + "\n"); err != nil {
			return err
		}
	}
	for _, c := range candles {
		row := strconv.FormatInt(c.Timestamp, 10) + "," +
			c.Open.String() + "," +
			c.High.String() + "," +
			c.Low.String() + "," +
			c.Close.String() + "," +
			c.Volume.String() + "\n"
		if _, err := w.WriteString(row); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// LastTimestamp reads the trailing bytes of the file at path and returns the
// timestamp of the last complete candle row. ok is false when the file does
// not exist or holds no candle rows yet. A trailing row that does not parse
// as a candle yields an error wrapping ErrCorruptState.
func LastTimestamp(path string) (ts int64, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	size := info.Size()
	if size == 0 {
		return 0, false, nil
	}

	offset := size - tailWindow
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, false, err
	}

	buf = bytes.TrimRight(buf, "\r\n")
	if len(buf) == 0 {
		return 0, false, nil
	}
	line := buf
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		line = buf[i+1:]
	} else if offset > 0 {
		// The window starts mid-row and no row boundary is inside it; no
		// valid candle row is anywhere near this long.
		return 0, false, fmt.Errorf("%w: %s: trailing row exceeds %d bytes", ErrCorruptState, path, tailWindow)
	}

	last := strings.TrimRight(string(line), "\r")
	if last == Header {
		return 0, false, nil
	}
	candle, err := parseRow(last)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	return candle.Timestamp, true, nil
}

// parseRow parses one CSV row in the fixed column order.
func parseRow(row string) (exchange.Candle, error) {
	fields := strings.Split(row, ",")
	if len(fields) != 6 {
		return exchange.Candle{}, fmt.Errorf("expected 6 columns, got %d", len(fields))
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return exchange.Candle{}, fmt.Errorf("bad timestamp %q: %v", fields[0], err)
	}
	values := make([]decimal.Decimal, 5)
	for i, field := range fields[1:] {
		v, err := decimal.NewFromString(field)
		if err != nil {
			return exchange.Candle{}, fmt.Errorf("bad decimal %q: %v", field, err)
		}
		values[i] = v
	}
	return exchange.Candle{
		Timestamp: ts,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}
