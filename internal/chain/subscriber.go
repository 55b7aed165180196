package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/course_market/internal/logging"
)

// LogSubscriber delivers new logs matching a filter to a handler.
type LogSubscriber interface {
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, handler LogHandler) (*Subscription, error)
}

// LogFetcher is the read surface used for polling and reconnect backfill.
type LogFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is a running log subscription.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	lastBlock uint64
}

func newSubscription(parent context.Context) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Unsubscribe stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// LastBlock returns the highest block number delivered so far.
func (s *Subscription) LastBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBlock
}

func (s *Subscription) observe(block uint64) {
	s.mu.Lock()
	if block > s.lastBlock {
		s.lastBlock = block
	}
	s.mu.Unlock()
}

// =============================================================================
// WebSocket Subscriber (eth_subscribe "logs")
// =============================================================================

// SubscriberConfig configures the websocket subscriber.
type SubscriberConfig struct {
	WSURL             string
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// Backfill, when set, replays logs from the last seen block after a reconnect.
	Backfill LogFetcher
}

// Subscriber streams logs over a websocket connection and reconnects on failure.
type Subscriber struct {
	cfg    SubscriberConfig
	dialer websocket.Dialer
	log    *logging.Logger
}

// NewSubscriber creates a websocket log subscriber.
func NewSubscriber(cfg SubscriberConfig, log *logging.Logger) (*Subscriber, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("websocket URL required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Subscriber{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    logging.OrDiscard(log).WithComponent("log-subscriber"),
	}, nil
}

// SubscribeLogs opens the subscription. The first connection is established synchronously
// so configuration errors surface to the caller. With a backfill source the head at
// subscribe time is recorded, so a drop before the first notification still replays.
func (s *Subscriber) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, handler LogHandler) (*Subscription, error) {
	var head uint64
	if s.cfg.Backfill != nil {
		n, err := s.cfg.Backfill.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscriber start: %w", err)
		}
		head = n
	}
	conn, err := s.connect(ctx, q)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(ctx)
	sub.observe(head)
	go s.run(sub, conn, q, handler)
	return sub, nil
}

func (s *Subscriber) run(sub *Subscription, conn *websocket.Conn, q ethereum.FilterQuery, handler LogHandler) {
	defer close(sub.done)

	for {
		err := s.readLoop(sub, conn, handler)
		conn.Close()
		if sub.ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("log subscription dropped, reconnecting")

		conn = s.reconnect(sub, q)
		if conn == nil {
			return
		}
		s.backfill(sub, q, handler)
	}
}

func (s *Subscriber) reconnect(sub *Subscription, q ethereum.FilterQuery) *websocket.Conn {
	delay := s.cfg.ReconnectDelay
	for {
		select {
		case <-sub.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := s.connect(sub.ctx, q)
		if err == nil {
			return conn
		}
		s.log.WithError(err).WithField("retry_in", delay.String()).Warn("log subscription reconnect failed")
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// backfill replays logs from the last delivered block up to head. Logs of the last
// delivered block are delivered again; handlers must be idempotent.
func (s *Subscriber) backfill(sub *Subscription, q ethereum.FilterQuery, handler LogHandler) {
	if s.cfg.Backfill == nil {
		return
	}
	from := sub.LastBlock()
	head, err := s.cfg.Backfill.BlockNumber(sub.ctx)
	if err != nil {
		s.log.WithError(err).Warn("backfill: block number")
		return
	}
	if head < from {
		return
	}
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(head)
	logs, err := s.cfg.Backfill.GetLogs(sub.ctx, q)
	if err != nil {
		s.log.WithError(err).Warn("backfill: get logs")
		return
	}
	for _, l := range logs {
		sub.observe(l.BlockNumber)
		handler(l)
	}
}

func (s *Subscriber) connect(ctx context.Context, q ethereum.FilterQuery) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_subscribe",
		Params: []interface{}{"logs", map[string]interface{}{
			"address": q.Addresses,
			"topics":  q.Topics,
		}},
		ID: 1,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	var resp RPCResponse
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribe response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if resp.Error != nil {
		conn.Close()
		return nil, resp.Error
	}
	var subID string
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode subscription id: %w", err)
	}
	s.log.WithField("subscription", subID).Debug("log subscription established")
	return conn, nil
}

func (s *Subscriber) readLoop(sub *Subscription, conn *websocket.Conn, handler LogHandler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-sub.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if gjson.GetBytes(message, "method").String() != "eth_subscription" {
			continue
		}
		result := gjson.GetBytes(message, "params.result")
		if !result.Exists() {
			continue
		}

		var l types.Log
		if err := json.Unmarshal([]byte(result.Raw), &l); err != nil {
			s.log.WithError(err).Warn("discarding malformed log notification")
			continue
		}
		sub.observe(l.BlockNumber)
		handler(l)
	}
}

// =============================================================================
// Polling Subscriber
// =============================================================================

// Poller emulates a log subscription with periodic eth_getLogs calls, for nodes
// without websocket support.
type Poller struct {
	source   LogFetcher
	interval time.Duration
	log      *logging.Logger
}

// NewPoller creates a polling subscriber.
func NewPoller(source LogFetcher, interval time.Duration, log *logging.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:   source,
		interval: interval,
		log:      logging.OrDiscard(log).WithComponent("log-poller"),
	}
}

// SubscribeLogs starts polling for logs after the current head.
func (p *Poller) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, handler LogHandler) (*Subscription, error) {
	head, err := p.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("poller start: %w", err)
	}

	sub := newSubscription(ctx)
	sub.observe(head)
	go p.run(sub, q, handler, head+1)
	return sub, nil
}

func (p *Poller) run(sub *Subscription, q ethereum.FilterQuery, handler LogHandler, next uint64) {
	defer close(sub.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := p.source.BlockNumber(sub.ctx)
		if err != nil {
			p.log.WithError(err).Warn("poll: block number")
			continue
		}
		if head < next {
			continue
		}

		q.FromBlock = new(big.Int).SetUint64(next)
		q.ToBlock = new(big.Int).SetUint64(head)
		logs, err := p.source.GetLogs(sub.ctx, q)
		if err != nil {
			p.log.WithError(err).Warn("poll: get logs")
			continue
		}
		for _, l := range logs {
			handler(l)
		}
		sub.observe(head)
		next = head + 1
	}
}
