package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"venuelink/internal/config"
)

// State 表示流连接的生命周期状态。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected 表示在未连接状态下发起了订阅。
var ErrNotConnected = errors.New("stream not connected")

const (
	topicPricePrefix   = "MARKET:"
	topicTradePrefix   = "TRADE:"
	topicAccountPrefix = "ACCOUNT:"

	fieldBid         = "BID"
	fieldOffer       = "OFFER"
	fieldHigh        = "HIGH"
	fieldLow         = "LOW"
	fieldMidOpen     = "MID_OPEN"
	fieldChange      = "CHANGE"
	fieldUpdateTime  = "UPDATE_TIME"
	fieldMarketState = "MARKET_STATE"

	fieldConfirms = "CONFIRMS"

	fieldCurrency  = "CURRENCY"
	fieldBalance   = "BALANCE"
	fieldMargin    = "MARGIN"
	fieldAvailable = "AVAILABLE"
	fieldPnL       = "PNL"
)

var priceFields = []string{
	fieldBid, fieldOffer, fieldHigh, fieldLow,
	fieldMidOpen, fieldChange, fieldUpdateTime, fieldMarketState,
}

var accountFields = []string{
	fieldCurrency, fieldBalance, fieldMargin, fieldAvailable, fieldPnL,
}

type subKind int

const (
	subPrice subKind = iota
	subTrade
	subAccount
)

// TransportFactory 在每次建连时创建一个全新的传输实例。
type TransportFactory func() Transport

// Connection 管理流推送会话：状态机、订阅簿记与更新分发。
// 订阅集与状态只在内部锁内变更；事件回调在锁外触发，
// 允许监听方在回调中反向调用本连接（例如收到更新后退订）。
// 断线后不自动重连，也不自动恢复订阅，由上层决定。
type Connection struct {
	cfg      config.StreamingConfig
	logger   *zap.Logger
	factory  TransportFactory
	listener Listener

	mu                 sync.Mutex
	state              State
	transport          Transport
	subs               map[string]subKind
	disconnectNotified bool
}

// NewConnection 创建流连接。factory 为 nil 时使用 WebSocket 传输。
func NewConnection(cfg config.StreamingConfig, factory TransportFactory, listener Listener, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = func() Transport { return NewWSTransport(cfg, logger) }
	}
	return &Connection{
		cfg:      cfg,
		logger:   logger,
		factory:  factory,
		listener: listener,
		subs:     make(map[string]subKind),
	}
}

// State 返回当前连接状态。
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect 建立推送会话；已连接时为幂等 no-op。
// 建立失败返回包装了 ErrStreamConnect 的错误，状态保持未连接。
func (c *Connection) Connect(ctx context.Context, endpoint string, creds Credentials) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("%w: 连接正在建立中", ErrStreamConnect)
	}
	c.state = StateConnecting
	c.disconnectNotified = false
	transport := c.factory()
	c.transport = transport
	c.mu.Unlock()

	// Dial 会同步回调 OnStatus，必须在锁外调用。
	if err := transport.Dial(ctx, endpoint, creds, c); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.transport = nil
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	// Dial 返回前传输层可能已经上报失联并触发 teardown，
	// 此时不得把状态改回已连接。
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: 连接在建立过程中已断开", ErrStreamConnect)
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("流推送会话已建立", zap.String("endpoint", endpoint))
	return nil
}

// Disconnect 主动断开：尽力退订全部主题（失败仅记录），关闭传输，
// 清空订阅集并恰好发出一次断开通知。已断开时为 no-op。
func (c *Connection) Disconnect() {
	c.teardown("client disconnect", true)
}

// SubscribePrices 订阅指定标的的行情主题，重复订阅为 no-op。
func (c *Connection) SubscribePrices(instrument string) error {
	topic := topicPricePrefix + instrument
	return c.subscribe(topic, subPrice, Subscription{
		Topic:  topic,
		Mode:   "MERGE",
		Fields: priceFields,
	})
}

// UnsubscribePrices 退订行情主题，未订阅时为 no-op。
func (c *Connection) UnsubscribePrices(instrument string) error {
	topic := topicPricePrefix + instrument

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[topic]; !ok {
		return nil
	}
	if err := c.transport.Unsubscribe(topic); err != nil {
		return fmt.Errorf("stream: 退订 %s 失败: %w", topic, err)
	}
	delete(c.subs, topic)
	return nil
}

// SubscribeTradeUpdates 订阅成交确认主题，全连接至多一个。
func (c *Connection) SubscribeTradeUpdates(accountID string) error {
	topic := topicTradePrefix + accountID
	return c.subscribe(topic, subTrade, Subscription{
		Topic:  topic,
		Mode:   "DISTINCT",
		Fields: []string{fieldConfirms},
	})
}

// SubscribeAccountUpdates 订阅账户资金主题，全连接至多一个。
func (c *Connection) SubscribeAccountUpdates(accountID string) error {
	topic := topicAccountPrefix + accountID
	return c.subscribe(topic, subAccount, Subscription{
		Topic:  topic,
		Mode:   "MERGE",
		Fields: accountFields,
	})
}

// OnUpdate 实现 TransportHandler。解码与事件分发在锁外进行，
// 避免监听方回调再入本连接时死锁。
func (c *Connection) OnUpdate(topic string, fields map[string]string) {
	c.mu.Lock()
	kind, ok := c.subs[topic]
	listener := c.listener
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("丢弃未订阅主题的更新", zap.String("topic", topic))
		return
	}
	if listener == nil {
		return
	}

	switch kind {
	case subPrice:
		instrument := strings.TrimPrefix(topic, topicPricePrefix)
		listener.OnPrice(decodePriceUpdate(c.logger, topic, instrument, fields))
	case subTrade:
		update, ok := decodeTradeUpdate(c.logger, topic, fields)
		if !ok {
			return
		}
		listener.OnTrade(update)
	case subAccount:
		listener.OnAccount(decodeAccountUpdate(c.logger, topic, fields))
	}
}

// OnStatus 实现 TransportHandler，处理传输层上报的状态变化。
func (c *Connection) OnStatus(connected bool, reason string) {
	if connected {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateConnected
		}
		c.mu.Unlock()
		return
	}

	c.logger.Warn("传输层上报断开", zap.String("reason", reason))
	c.teardown(reason, false)
}

func (c *Connection) subscribe(topic string, kind subKind, sub Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return ErrNotConnected
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	// 成交与账户主题全连接至多各一个。
	if kind != subPrice {
		for _, existing := range c.subs {
			if existing == kind {
				return nil
			}
		}
	}

	if err := c.transport.Subscribe(sub); err != nil {
		return fmt.Errorf("stream: 订阅 %s 失败: %w", topic, err)
	}
	c.subs[topic] = kind
	return nil
}

// teardown 统一处理主动断开与传输层失联。unsubscribe 仅在主动断开时
// 尽力而为地执行；两条路径都保证断开通知只发一次。
func (c *Connection) teardown(reason string, unsubscribe bool) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}

	transport := c.transport
	if unsubscribe && transport != nil {
		var errs error
		for topic := range c.subs {
			errs = multierr.Append(errs, transport.Unsubscribe(topic))
		}
		if errs != nil {
			c.logger.Warn("断开前退订失败", zap.Error(errs))
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Warn("关闭传输失败", zap.Error(err))
		}
	}

	c.subs = make(map[string]subKind)
	c.transport = nil
	c.state = StateDisconnected

	notify := !c.disconnectNotified
	c.disconnectNotified = true
	listener := c.listener
	c.mu.Unlock()

	if notify && listener != nil {
		listener.OnDisconnect(reason)
	}
	c.logger.Info("流推送会话已断开", zap.String("reason", reason))
}
