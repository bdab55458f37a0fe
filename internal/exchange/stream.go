package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamState describes the websocket connection lifecycle.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
)

// Tick is a single price update from the stream.
type Tick struct {
	Exchange string
	Symbol   string
	Price    float64
	Time     time.Time
}

// TickHandler receives price updates. It must not block.
type TickHandler func(Tick)

// StreamConfig holds the websocket stream settings.
type StreamConfig struct {
	URL              string        // public ticker endpoint
	Exchange         string        // exchange id attached to ticks
	Symbols          []string      // symbols to subscribe
	PingInterval     time.Duration // default 20s
	ReconnectDelay   time.Duration // initial reconnect backoff, default 1s
	MaxReconnectWait time.Duration // backoff ceiling, default 1m
}

// PriceStream maintains a websocket subscription to Bybit public tickers and
// reconnects with backoff when the connection drops.
type PriceStream struct {
	config  StreamConfig
	handler TickHandler

	mu    sync.RWMutex
	state StreamState
	conn  *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPriceStream creates a price stream. Zero durations get defaults.
func NewPriceStream(config StreamConfig, handler TickHandler) *PriceStream {
	if config.URL == "" {
		config.URL = "wss://stream.bybit.com/v5/public/linear"
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 20 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectWait <= 0 {
		config.MaxReconnectWait = time.Minute
	}
	return &PriceStream{
		config:  config,
		handler: handler,
		state:   StreamDisconnected,
	}
}

// State returns the current connection state.
func (s *PriceStream) State() StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *PriceStream) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start connects and begins delivering ticks until Stop is called or the
// context is cancelled.
func (s *PriceStream) Start(ctx context.Context) error {
	if len(s.config.Symbols) == 0 {
		return fmt.Errorf("no symbols to subscribe")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop closes the stream and waits for the run loop to exit.
func (s *PriceStream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *PriceStream) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StreamDisconnected)

	delay := s.config.ReconnectDelay
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean close resets the backoff.
			delay = s.config.ReconnectDelay
		}

		s.setState(StreamReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.config.MaxReconnectWait {
			delay = s.config.MaxReconnectWait
		}
	}
}

func (s *PriceStream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.state = StreamConnected
	s.mu.Unlock()

	if err := s.subscribe(conn); err != nil {
		return err
	}

	// Close the connection when the context ends so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	go s.pingLoop(ctx, conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) subscribe(conn *websocket.Conn) error {
	args := make([]string, len(s.config.Symbols))
	for i, symbol := range s.config.Symbols {
		args[i] = "tickers." + symbol
	}
	return conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

func (s *PriceStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *PriceStream) handleMessage(message []byte) {
	var push struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
		Ts int64 `json:"ts"`
	}
	if err := json.Unmarshal(message, &push); err != nil {
		return
	}
	if push.Topic == "" || push.Data.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(push.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		// Delta frames may omit lastPrice when it did not change.
		return
	}

	ts := time.Now()
	if push.Ts > 0 {
		ts = time.UnixMilli(push.Ts)
	}
	s.handler(Tick{
		Exchange: s.config.Exchange,
		Symbol:   push.Data.Symbol,
		Price:    price,
		Time:     ts,
	})
}
