package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"venuelink/internal/config"
	"venuelink/internal/engine"
	"venuelink/internal/journal"
	"venuelink/internal/ratelimit"
	"venuelink/internal/stream"
	"venuelink/internal/venue"
)

// EventSink 为宿主交易引擎接收适配器事件的出口。
// 回调可能来自流推送线程，实现方不得长时间阻塞。
type EventSink interface {
	OnTransition(t engine.Transition)
	OnPrice(update stream.PriceUpdate)
	OnAccount(update stream.AccountUpdate)
	OnMessage(text string)
}

// AccountOverview 聚合一次账户快照查询的结果。
type AccountOverview struct {
	Balance       venue.AccountSnapshot
	Positions     []venue.Position
	WorkingOrders []venue.WorkingOrder
	RetrievedAt   time.Time
}

// Adapter 是宿主引擎使用的统一门面：REST 会话、流推送与对账引擎
// 在这里装配成一个整体。行情与账户更新直接透传给宿主，
// 成交确认先经对账引擎合并后再以状态迁移的形式送出。
type Adapter struct {
	cfg     *config.Config
	logger  *zap.Logger
	sink    EventSink
	journal *journal.Journal

	client *venue.Client
	conn   *stream.Connection
	engine *engine.Engine

	journalCh   chan engine.Transition
	journalDone chan struct{}
}

// NewAdapter 装配适配器。journal 可为 nil，表示不落流水。
func NewAdapter(cfg *config.Config, sink EventSink, jnl *journal.Journal, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		return nil, fmt.Errorf("app: 必须提供事件出口")
	}

	tradingGate, err := ratelimit.NewGate(cfg.RateLimits.Trading.Capacity, cfg.RateLimits.Trading.Window)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化交易限流失败: %w", err)
	}
	dataGate, err := ratelimit.NewGate(cfg.RateLimits.NonTrading.Capacity, cfg.RateLimits.NonTrading.Window)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化查询限流失败: %w", err)
	}

	adapter := &Adapter{
		cfg:         cfg,
		logger:      logger,
		sink:        sink,
		journal:     jnl,
		journalCh:   make(chan engine.Transition, 256),
		journalDone: make(chan struct{}),
	}

	adapter.client = venue.NewClient(cfg.Venue, tradingGate, dataGate, logger)
	adapter.engine = engine.New(adapter.client, adapter, cfg.Confirm, logger)
	adapter.conn = stream.NewConnection(cfg.Streaming, nil, adapter, logger)

	go adapter.journalLoop()

	return adapter, nil
}

// Connect 登录并建立流推送：订阅成交确认与账户资金主题。
// 流建立失败时会话保留，由调用方决定重试或降级为纯轮询。
func (a *Adapter) Connect(ctx context.Context) error {
	session, err := a.client.Login(ctx)
	if err != nil {
		return fmt.Errorf("app: 登录失败: %w", err)
	}

	accountID := a.cfg.Venue.AccountID
	if accountID == "" {
		accountID = session.ActiveAccountID
	}

	creds := stream.Credentials{
		ClientToken:   session.ClientToken,
		SecurityToken: session.SecurityToken,
	}
	if err := a.conn.Connect(ctx, session.StreamEndpoint, creds); err != nil {
		a.sink.OnMessage(fmt.Sprintf("streaming connect failed: %v", err))
		return err
	}

	if err := a.conn.SubscribeTradeUpdates(accountID); err != nil {
		return fmt.Errorf("app: 订阅成交确认失败: %w", err)
	}
	if err := a.conn.SubscribeAccountUpdates(accountID); err != nil {
		return fmt.Errorf("app: 订阅账户资金失败: %w", err)
	}

	a.logger.Info("适配器已上线", zap.String("account", accountID))
	return nil
}

// Disconnect 断开流推送并注销 REST 会话。
func (a *Adapter) Disconnect(ctx context.Context) {
	a.conn.Disconnect()
	a.client.Logout(ctx)
	a.logger.Info("适配器已下线")
}

// Close 停止后台流水写入，应在进程退出前调用一次。
func (a *Adapter) Close() {
	close(a.journalCh)
	<-a.journalDone
}

// Submit 提交新订单。
func (a *Adapter) Submit(ctx context.Context, localID string, spec venue.OrderSpec) error {
	return a.engine.Submit(ctx, localID, spec)
}

// Amend 修改订单。
func (a *Adapter) Amend(ctx context.Context, localID string, spec venue.OrderSpec) error {
	return a.engine.Amend(ctx, localID, spec)
}

// Cancel 撤销订单。
func (a *Adapter) Cancel(ctx context.Context, localID string) error {
	return a.engine.Cancel(ctx, localID)
}

// GetOpenOrders 返回适配器当前追踪的全部未终结订单。
func (a *Adapter) GetOpenOrders() []engine.OrderSnapshot {
	return a.engine.OpenOrders()
}

// GetHoldings 查询场所侧持仓。
func (a *Adapter) GetHoldings(ctx context.Context) ([]venue.Position, error) {
	return a.client.GetOpenPositions(ctx)
}

// GetCashBalance 查询活跃账户资金。
func (a *Adapter) GetCashBalance(ctx context.Context) (venue.AccountSnapshot, error) {
	accountID := a.activeAccountID()
	if accountID == "" {
		return venue.AccountSnapshot{}, fmt.Errorf("app: 尚未登录，无法确定账户")
	}
	return a.client.GetAccountBalance(ctx, accountID)
}

// Snapshot 并发拉取资金、持仓与挂单，拼成一份账户全景。
func (a *Adapter) Snapshot(ctx context.Context) (AccountOverview, error) {
	accountID := a.activeAccountID()
	if accountID == "" {
		return AccountOverview{}, fmt.Errorf("app: 尚未登录，无法查询快照")
	}

	var overview AccountOverview
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		balance, err := a.client.GetAccountBalance(groupCtx, accountID)
		if err != nil {
			return err
		}
		overview.Balance = balance
		return nil
	})
	group.Go(func() error {
		positions, err := a.client.GetOpenPositions(groupCtx)
		if err != nil {
			return err
		}
		overview.Positions = positions
		return nil
	})
	group.Go(func() error {
		orders, err := a.client.GetWorkingOrders(groupCtx)
		if err != nil {
			return err
		}
		overview.WorkingOrders = orders
		return nil
	})

	if err := group.Wait(); err != nil {
		return AccountOverview{}, err
	}
	overview.RetrievedAt = time.Now().UTC()
	return overview, nil
}

// SubscribePrices 订阅标的行情。
func (a *Adapter) SubscribePrices(instrument string) error {
	return a.conn.SubscribePrices(instrument)
}

// UnsubscribePrices 退订标的行情。
func (a *Adapter) UnsubscribePrices(instrument string) error {
	return a.conn.UnsubscribePrices(instrument)
}

// SearchInstruments 按关键字搜索标的。
func (a *Adapter) SearchInstruments(ctx context.Context, term string) ([]venue.InstrumentSummary, error) {
	return a.client.SearchInstruments(ctx, term)
}

// GetHistoricalPrices 拉取历史K线。
func (a *Adapter) GetHistoricalPrices(ctx context.Context, instrument string, resolution venue.Resolution, from, to time.Time) ([]venue.Candle, error) {
	return a.client.GetHistoricalPrices(ctx, instrument, resolution, from, to)
}

// OnTransition 实现 engine.TransitionSink：透传给宿主并异步落流水。
func (a *Adapter) OnTransition(t engine.Transition) {
	a.sink.OnTransition(t)
	if a.journal == nil {
		return
	}
	select {
	case a.journalCh <- t:
	default:
		a.logger.Warn("流水队列已满，丢弃一条迁移",
			zap.String("local_id", t.LocalID),
			zap.String("status", string(t.Status)),
		)
	}
}

// OnPrice 实现 stream.Listener：行情直接透传。
func (a *Adapter) OnPrice(update stream.PriceUpdate) {
	a.sink.OnPrice(update)
}

// OnTrade 实现 stream.Listener：成交确认交给对账引擎合并。
func (a *Adapter) OnTrade(update stream.TradeUpdate) {
	a.engine.OnTradeUpdate(update)
}

// OnAccount 实现 stream.Listener：账户资金直接透传。
func (a *Adapter) OnAccount(update stream.AccountUpdate) {
	a.sink.OnAccount(update)
}

// OnDisconnect 实现 stream.Listener：连接级故障以消息事件上报，
// 与订单级失败（Invalid 迁移）区分开。
func (a *Adapter) OnDisconnect(reason string) {
	a.sink.OnMessage(fmt.Sprintf("streaming disconnected: %s", reason))
}

func (a *Adapter) activeAccountID() string {
	if a.cfg.Venue.AccountID != "" {
		return a.cfg.Venue.AccountID
	}
	if session := a.client.Session(); session != nil {
		return session.ActiveAccountID
	}
	return ""
}

func (a *Adapter) journalLoop() {
	defer close(a.journalDone)
	for t := range a.journalCh {
		if a.journal == nil {
			continue
		}
		if err := a.journal.RecordTransition(t); err != nil {
			a.logger.Warn("写入迁移流水失败", zap.Error(err))
		}
	}
}
