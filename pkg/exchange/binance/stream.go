package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veiloq/candle-downloader/pkg/exchange"
	"github.com/veiloq/candle-downloader/pkg/logging"
	"github.com/veiloq/candle-downloader/pkg/stream"
)

// klineEvent is the payload of a raw kline stream message.
type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// SubscribeCandles implements exchange.Streamer over the raw kline stream
// (<symbol>@kline_<interval>). Only closed candles are delivered to the
// handler; the in-progress bucket is skipped so downstream consumers never
// see a value that could still change. Blocks until the context is
// cancelled.
func (c *Connector) SubscribeCandles(ctx context.Context, pair exchange.Pair, tf exchange.Timeframe, handler exchange.CandleHandler) error {
	topic := fmt.Sprintf("%s@kline_%s", strings.ToLower(pair.Symbol()), tf.Key)

	ws := stream.NewConnector(stream.Config{
		URL:    c.wsBaseURL + "/ws/" + topic,
		Logger: c.logger,
	})
	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connecting kline stream %s: %w", topic, err)
	}
	defer ws.Close()

	err := ws.Subscribe(topic, func(message []byte) {
		var event klineEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn("unparseable stream message", logging.Error(err))
			return
		}
		if event.EventType != "kline" || !event.Kline.Closed {
			return
		}
		candle, err := parseKline([]any{
			float64(event.Kline.OpenTime),
			event.Kline.Open,
			event.Kline.High,
			event.Kline.Low,
			event.Kline.Close,
			event.Kline.Volume,
		})
		if err != nil {
			c.logger.Warn("unparseable stream candle", logging.Error(err))
			return
		}
		handler(candle)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
