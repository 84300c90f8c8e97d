package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// ExchangeConfig describes one exchange ticker stream.
type ExchangeConfig struct {
	ID  string
	URL string
	// Symbols maps token → exchange symbol.
	Symbols map[string]string
	// ReconnectDelay and MaxReconnectDelay default to 2s and 60s.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// subscribeCommand is sent after every (re)connect.
type subscribeCommand struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// tickerMessage is a best bid/ask update.
type tickerMessage struct {
	Type    string          `json:"type"`
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	// TS is the exchange timestamp in unix milliseconds.
	TS int64 `json:"ts"`
}

// ExchangeSource subscribes to a websocket ticker stream and prices each
// token at the bid/ask mid.
type ExchangeSource struct {
	cfg     ExchangeConfig
	tokenOf map[string]string // symbol → token
	t       *tracker
	lc      lifecycle
	logger  *slog.Logger
}

// NewExchangeSource creates an exchange adapter.
func NewExchangeSource(cfg ExchangeConfig, opts ...Option) *ExchangeSource {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = maxReconnectDelay
	}
	tokenOf := make(map[string]string, len(cfg.Symbols))
	for token, sym := range cfg.Symbols {
		tokenOf[sym] = token
	}
	logger := o.logger.With(slog.String("component", "source"), slog.String("source", cfg.ID))
	o.logger = logger
	return &ExchangeSource{
		cfg:     cfg,
		tokenOf: tokenOf,
		t:       newTracker(cfg.ID, o),
		logger:  logger,
	}
}

func (e *ExchangeSource) ID() string              { return e.cfg.ID }
func (e *ExchangeSource) Kind() domain.SourceKind { return domain.SourceKindExchange }
func (e *ExchangeSource) Healthy() bool           { return e.t.healthy() }
func (e *ExchangeSource) LastError() error        { return e.t.err() }

func (e *ExchangeSource) GetPrice(token string) (domain.Quote, bool) { return e.t.price(token) }

func (e *ExchangeSource) GetLiquidity(token string) (decimal.Decimal, bool) {
	return e.t.liquidity(token)
}

func (e *ExchangeSource) ValidatePrice(token string, candidate decimal.Decimal) bool {
	return e.t.validate(token, candidate)
}

// Start connects, subscribes and reads ticker updates, reconnecting with
// exponential backoff until stopped.
func (e *ExchangeSource) Start(ctx context.Context) error {
	return e.lc.run(ctx, func(ctx context.Context) {
		delay := e.cfg.ReconnectDelay
		for {
			connected, err := e.session(ctx)
			if ctx.Err() != nil {
				e.logger.Info("exchange source stopped")
				return
			}
			e.t.markDegraded(fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err))
			if connected {
				delay = e.cfg.ReconnectDelay
			}

			e.logger.Warn("exchange stream disconnected, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			delay *= 2
			if delay > e.cfg.MaxReconnectDelay {
				delay = e.cfg.MaxReconnectDelay
			}
		}
	})
}

// Stop closes the stream and waits for the read loop to exit.
func (e *ExchangeSource) Stop() error {
	e.lc.stop()
	return nil
}

// session runs one connection until it fails. connected reports whether the
// dial and subscribe succeeded.
func (e *ExchangeSource) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, e.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("source: dial %s: %w", e.cfg.URL, err)
	}

	var writeMu sync.Mutex
	closeOnce := sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() {
			writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			writeMu.Unlock()
			conn.Close()
		})
	}
	defer closeConn()

	symbols := make([]string, 0, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(subscribeCommand{Op: "subscribe", Channel: "ticker", Symbols: symbols})
	writeMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("source: subscribe: %w", err)
	}
	e.logger.InfoContext(ctx, "exchange stream connected", slog.Int("symbols", len(symbols)))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				closeConn()
				return
			case <-sessionDone:
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("source: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		e.handleMessage(ctx, raw)
	}
}

func (e *ExchangeSource) handleMessage(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.logger.Debug("dropping unparseable message", slog.String("error", err.Error()))
		return
	}
	if msg.Type != "ticker" {
		return
	}
	token, ok := e.tokenOf[msg.Symbol]
	if !ok {
		return
	}
	q, ok := e.tickerQuote(token, msg)
	if !ok {
		e.logger.Debug("dropping invalid ticker",
			slog.String("symbol", msg.Symbol),
			slog.String("bid", msg.Bid.String()),
			slog.String("ask", msg.Ask.String()),
		)
		return
	}
	e.t.record(ctx, q)
}

// tickerQuote prices at the mid and values liquidity as the notional resting
// at the top of book.
func (e *ExchangeSource) tickerQuote(token string, msg tickerMessage) (domain.Quote, bool) {
	if !msg.Bid.IsPositive() || !msg.Ask.IsPositive() || msg.Ask.LessThan(msg.Bid) {
		return domain.Quote{}, false
	}
	now := e.t.opts.now()
	observed := now
	var latency int64
	if msg.TS > 0 {
		observed = time.UnixMilli(msg.TS).UTC()
		if lat := now.Sub(observed).Milliseconds(); lat > 0 {
			latency = lat
		}
	}
	mid := msg.Bid.Add(msg.Ask).Div(decimal.NewFromInt(2))
	liquidity := msg.Bid.Mul(msg.BidSize).Add(msg.Ask.Mul(msg.AskSize))
	if liquidity.IsNegative() {
		liquidity = decimal.Zero
	}
	return domain.Quote{
		SourceID:   e.cfg.ID,
		Token:      token,
		Price:      mid,
		Liquidity:  liquidity,
		ObservedAt: observed,
		LatencyMs:  latency,
	}, true
}
