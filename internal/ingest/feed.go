package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"

	"marketdata-api/internal/config"
)

// ConnState is the feed connection state machine. Transitions drive side
// effects (flushes, alerts, counter resets) independently of the transport.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	reconnectBaseDelay = 5 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// ErrReconnectExhausted is returned when the reconnect budget is spent. This
// is the one failure that needs external intervention: a critical alert fires
// and the feed stays down until restart.
var ErrReconnectExhausted = errors.New("ingest: reconnect attempts exhausted")

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// 5s, 10s, 15s, ... capped at 30s.
func ReconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * reconnectBaseDelay
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}

// AlertFunc delivers a de-duplicated alert; wired to the health monitor's
// gate by the server binary.
type AlertFunc func(severity, category, message, key string)

// feedConn is the subset of *websocket.Conn the reader needs.
type feedConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (feedConn, error)

func gorillaDial(ctx context.Context, url string) (feedConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Feed consumes the push-style trade stream and hands events to the pipeline.
type Feed struct {
	feedCfg   config.FeedConf
	ingestCfg config.IngestConf
	pipeline  *Pipeline
	alert     AlertFunc
	dial      dialFunc
	delay     func(attempt int) time.Duration

	state atomic.Int32
}

// NewFeed constructs a feed reader for the configured stream.
func NewFeed(feedCfg config.FeedConf, ingestCfg config.IngestConf, pipeline *Pipeline, alert AlertFunc) *Feed {
	return &Feed{
		feedCfg:   feedCfg,
		ingestCfg: ingestCfg,
		pipeline:  pipeline,
		alert:     alert,
		dial:      gorillaDial,
		delay:     ReconnectDelay,
	}
}

// State returns the current connection state.
func (f *Feed) State() ConnState {
	return ConnState(f.state.Load())
}

func (f *Feed) setState(s ConnState) {
	old := ConnState(f.state.Swap(int32(s)))
	if old != s {
		logx.Infof("ingest: feed %s -> %s", old, s)
	}
}

// Run owns the connect/read/reconnect loop until ctx is cancelled or the
// reconnect budget is exhausted.
func (f *Feed) Run(ctx context.Context) error {
	defer f.setState(StateDisconnected)
	attempts := 0
	stableReset := time.Duration(f.ingestCfg.StableResetMinutes) * time.Minute

	for {
		if ctx.Err() != nil {
			return nil
		}
		f.setState(StateConnecting)
		conn, err := f.dial(ctx, f.feedCfg.URL)
		if err == nil {
			f.setState(StateConnected)
			connectedAt := time.Now()

			// ReadMessage blocks with no context hook; closing the
			// transport is the only way to unblock it on shutdown.
			readDone := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					_ = conn.Close()
				case <-readDone:
				}
			}()

			readErr := f.readLoop(ctx, conn)
			close(readDone)
			_ = conn.Close()
			f.setState(StateDisconnected)

			// Never reconnect with data still sitting in the buffer.
			f.pipeline.FinalFlush()

			if ctx.Err() != nil {
				return nil
			}
			// A connection that stayed up long enough earns a fresh
			// reconnect budget.
			if time.Since(connectedAt) >= stableReset {
				attempts = 0
				logx.Infof("ingest: feed was stable for %s, reconnect counter reset", stableReset)
			}
			logx.Errorf("ingest: feed connection lost: %v", readErr)
		}

		attempts++
		if attempts > f.ingestCfg.MaxReconnects {
			msg := fmt.Sprintf("feed reconnection failed %d times, manual restart required", f.ingestCfg.MaxReconnects)
			logx.Severef("ingest: %s", msg)
			if f.alert != nil {
				f.alert("critical", "feed", msg, "feed:reconnect-exhausted")
			}
			return ErrReconnectExhausted
		}

		delay := f.delay(attempts)
		logx.Infof("ingest: reconnect attempt %d/%d in %s", attempts, f.ingestCfg.MaxReconnects, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn feedConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := parseTrade(payload)
		if err != nil {
			logx.Slowf("ingest: malformed trade event: %v", err)
			continue
		}
		f.pipeline.Handle(ctx, ev)
	}
}

// feedMessage is the wire shape of one trade event. Numeric fields arrive as
// strings on some venues, so they decode through json.Number.
type feedMessage struct {
	Symbol            string      `json:"symbol"`
	Price             json.Number `json:"price"`
	Quantity          json.Number `json:"quantity"`
	ExchangeTimestamp int64       `json:"exchangeTimestamp"`
}

func parseTrade(payload []byte) (TradeEvent, error) {
	var msg feedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return TradeEvent{}, fmt.Errorf("decode trade: %w", err)
	}
	if msg.Symbol == "" {
		return TradeEvent{}, errors.New("trade missing symbol")
	}
	price, err := msg.Price.Float64()
	if err != nil || price <= 0 {
		return TradeEvent{}, fmt.Errorf("trade %s has invalid price %q", msg.Symbol, msg.Price)
	}
	qty, err := msg.Quantity.Float64()
	if err != nil || qty < 0 {
		return TradeEvent{}, fmt.Errorf("trade %s has invalid quantity %q", msg.Symbol, msg.Quantity)
	}
	if msg.ExchangeTimestamp <= 0 {
		return TradeEvent{}, fmt.Errorf("trade %s has invalid timestamp %d", msg.Symbol, msg.ExchangeTimestamp)
	}
	return TradeEvent{
		Symbol:   msg.Symbol,
		Price:    price,
		Quantity: qty,
		Ts:       time.UnixMilli(msg.ExchangeTimestamp).UTC(),
	}, nil
}
