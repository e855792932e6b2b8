package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"venuelink/internal/config"
	"venuelink/internal/stream"
	"venuelink/internal/venue"
)

var (
	// ErrUnknownOrder 表示操作引用了未被追踪的本地单号。
	ErrUnknownOrder = errors.New("engine unknown order")
	// ErrDuplicateOrder 表示本地单号已被占用。
	ErrDuplicateOrder = errors.New("engine duplicate order")
)

// Transition 为一次订单状态迁移事件。
type Transition struct {
	LocalID   string
	DealID    string
	Status    OrderStatus
	Reason    string
	FillPrice *float64
	FillSize  *float64
}

// TransitionSink 接收状态迁移事件。回调在引擎锁内触发以保证
// 单笔订单的迁移顺序，实现方必须快速返回且不得同步再入引擎。
type TransitionSink interface {
	OnTransition(t Transition)
}

// venueClient 收窄引擎对会话客户端的依赖，便于测试替换。
type venueClient interface {
	PlaceOrder(ctx context.Context, spec venue.OrderSpec) (string, error)
	UpdateOrder(ctx context.Context, dealID string, spec venue.OrderSpec) (string, error)
	CancelOrder(ctx context.Context, dealID string) (string, error)
	GetDealConfirmation(ctx context.Context, dealReference string) (venue.Confirmation, error)
}

// record 为被追踪订单的唯一实体，双索引共同指向它。
type record struct {
	localID   string
	dealID    string
	spec      venue.OrderSpec
	status    OrderStatus
	fillPrice *float64
	fillSize  *float64
	confirmed bool
	createdAt time.Time
}

type pendingUpdate struct {
	update stream.TradeUpdate
	seenAt time.Time
}

// OrderSnapshot 为对外暴露的订单只读视图。
type OrderSnapshot struct {
	LocalID   string
	DealID    string
	Status    OrderStatus
	Spec      venue.OrderSpec
	FillPrice *float64
	FillSize  *float64
}

// pendingTTL 限定提前到达的确认在缓冲区里的存活时间。
const pendingTTL = 30 * time.Second

// Engine 维护本地单号与场所 deal 标识之间的双向映射，
// 把 REST 提交结果与流推送确认合并为一条有序的状态迁移序列：
// 同一本地单号先 Submitted，之后至多一次终态，绝不重复终态。
//
// 两条通道没有先后保证：流确认可能先于 Submit 的 REST 响应到达，
// 此时确认被暂存，待双索引插入后立即补放；若确认迟迟未到，
// 到期后走 GetDealConfirmation 轮询兜底，轮询频率受限流器约束。
type Engine struct {
	client venueClient
	sink   TransitionSink
	cfg    config.ConfirmConfig
	logger *zap.Logger

	pollLimiter *rate.Limiter

	mu      sync.Mutex
	byLocal map[string]*record
	byDeal  map[string]*record
	pending map[string]pendingUpdate
	removed map[string]time.Time
}

type noopSink struct{}

func (noopSink) OnTransition(Transition) {}

// New 创建对账引擎。
func New(client venueClient, sink TransitionSink, cfg config.ConfirmConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = noopSink{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Engine{
		client:      client,
		sink:        sink,
		cfg:         cfg,
		logger:      logger,
		pollLimiter: rate.NewLimiter(rate.Every(pollInterval), 1),
		byLocal:     make(map[string]*record),
		byDeal:      make(map[string]*record),
		pending:     make(map[string]pendingUpdate),
		removed:     make(map[string]time.Time),
	}
}

// Submit 提交新订单。REST 受理成功后把记录原子地插入双索引并发出
// Submitted 迁移；受理失败发出带原因的 Invalid 迁移且不留下记录。
func (e *Engine) Submit(ctx context.Context, localID string, spec venue.OrderSpec) error {
	e.mu.Lock()
	if _, exists := e.byLocal[localID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, localID)
	}
	// REST 调用前先占住本地单号，并发的重复提交不得各自下出场所订单。
	rec := &record{
		localID:   localID,
		spec:      spec,
		createdAt: time.Now(),
	}
	e.byLocal[localID] = rec
	e.pruneLocked(time.Now())
	e.mu.Unlock()

	dealRef, err := e.client.PlaceOrder(ctx, spec)
	if err != nil {
		e.mu.Lock()
		delete(e.byLocal, localID)
		e.mu.Unlock()

		reason := submitFailureReason(err)
		e.logger.Warn("下单被拒绝",
			zap.String("local_id", localID),
			zap.String("reason", reason),
		)
		e.sink.OnTransition(Transition{LocalID: localID, Status: StatusInvalid, Reason: reason})
		return err
	}

	e.mu.Lock()
	rec.dealID = dealRef
	rec.status = StatusSubmitted
	e.byDeal[dealRef] = rec
	// deal 引用重新启用，旧的终结标记作废。
	delete(e.removed, dealRef)
	e.sink.OnTransition(Transition{LocalID: localID, DealID: dealRef, Status: StatusSubmitted})

	// 流确认可能赶在插入之前到达并被暂存，这里立即补放。
	stashed, hasStashed := e.pending[dealRef]
	if hasStashed {
		delete(e.pending, dealRef)
		e.applyLocked(rec, stashed.update)
	}
	needsWatch := !hasStashed && e.cfg.Timeout > 0
	e.mu.Unlock()

	e.logger.Info("订单已受理",
		zap.String("local_id", localID),
		zap.String("deal_ref", dealRef),
	)

	if needsWatch {
		go e.watchConfirmation(localID, dealRef)
	}
	return nil
}

// Amend 修改既有订单；本地单号未被追踪时返回 ErrUnknownOrder，
// 不发起任何 REST 调用。成功后发出 UpdateSubmitted，等待流确认。
func (e *Engine) Amend(ctx context.Context, localID string, spec venue.OrderSpec) error {
	e.mu.Lock()
	rec, ok := e.byLocal[localID]
	if !ok || rec.dealID == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, localID)
	}
	dealRef := rec.dealID
	e.mu.Unlock()

	if _, err := e.client.UpdateOrder(ctx, dealRef, spec); err != nil {
		return fmt.Errorf("engine: 改单失败 local_id=%s: %w", localID, err)
	}

	e.mu.Lock()
	if rec, ok := e.byLocal[localID]; ok {
		rec.spec = spec
		rec.status = StatusUpdateSubmitted
		e.sink.OnTransition(Transition{LocalID: localID, DealID: dealRef, Status: StatusUpdateSubmitted})
	}
	e.mu.Unlock()
	return nil
}

// Cancel 撤销既有订单；成功后发出 Canceled 终态并清除双索引。
func (e *Engine) Cancel(ctx context.Context, localID string) error {
	e.mu.Lock()
	rec, ok := e.byLocal[localID]
	if !ok || rec.dealID == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, localID)
	}
	dealRef := rec.dealID
	e.mu.Unlock()

	if _, err := e.client.CancelOrder(ctx, dealRef); err != nil {
		return fmt.Errorf("engine: 撤单失败 local_id=%s: %w", localID, err)
	}

	e.mu.Lock()
	rec, ok = e.byLocal[localID]
	if !ok {
		// 撤单请求在途期间已有终态确认落地，终态只发一次。
		e.mu.Unlock()
		return nil
	}
	e.removeLocked(rec)
	e.sink.OnTransition(Transition{LocalID: localID, DealID: dealRef, Status: StatusCanceled})
	e.mu.Unlock()
	return nil
}

// OnTradeUpdate 消费流推送的成交确认。未知 deal 标识的更新先进入
// 暂存区等待 Submit 补放；已终结订单的迟到确认直接丢弃；
// 映射不到词表的状态仅记录日志。
func (e *Engine) OnTradeUpdate(update stream.TradeUpdate) {
	status := mapVenueStatus(update.Status)
	if status == StatusNone {
		e.logger.Warn("未知的场所订单状态",
			zap.String("deal_id", update.DealID),
			zap.String("status", update.Status),
		)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.byDeal[update.DealID]
	if !ok {
		if _, gone := e.removed[update.DealID]; gone {
			e.logger.Debug("忽略已终结订单的迟到确认",
				zap.String("deal_id", update.DealID),
				zap.String("status", update.Status),
			)
			return
		}
		e.stashLocked(update)
		return
	}
	e.applyLocked(rec, update)
}

// OpenOrders 返回当前全部未终结订单的快照。
func (e *Engine) OpenOrders() []OrderSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshots := make([]OrderSnapshot, 0, len(e.byLocal))
	for _, rec := range e.byLocal {
		// 在途提交尚未拿到 deal 标识，不对外暴露。
		if rec.dealID == "" {
			continue
		}
		snapshots = append(snapshots, OrderSnapshot{
			LocalID:   rec.localID,
			DealID:    rec.dealID,
			Status:    rec.status,
			Spec:      rec.spec,
			FillPrice: rec.fillPrice,
			FillSize:  rec.fillSize,
		})
	}
	return snapshots
}

// Resolve 按本地单号查询 deal 标识，主要供测试与上层诊断使用。
func (e *Engine) Resolve(localID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.byLocal[localID]
	if !ok || rec.dealID == "" {
		return "", false
	}
	return rec.dealID, true
}

// ResolveDeal 按 deal 标识反查本地单号。
func (e *Engine) ResolveDeal(dealID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.byDeal[dealID]
	if !ok {
		return "", false
	}
	return rec.localID, true
}

// applyLocked 把一条确认落到记录上并发出恰好一次迁移。
// 调用方必须持有 e.mu。
func (e *Engine) applyLocked(rec *record, update stream.TradeUpdate) {
	status := mapVenueStatus(update.Status)
	if status == StatusNone {
		e.logger.Warn("未知的场所订单状态",
			zap.String("deal_id", update.DealID),
			zap.String("status", update.Status),
		)
		return
	}

	rec.confirmed = true
	rec.status = status
	if status == StatusFilled || status == StatusPartiallyFilled {
		if update.FilledPrice != nil {
			rec.fillPrice = update.FilledPrice
		}
		if update.FilledSize != nil {
			rec.fillSize = update.FilledSize
		}
	}

	if status.Terminal() {
		e.removeLocked(rec)
	}

	e.sink.OnTransition(Transition{
		LocalID:   rec.localID,
		DealID:    rec.dealID,
		Status:    status,
		Reason:    update.Reason,
		FillPrice: rec.fillPrice,
		FillSize:  rec.fillSize,
	})
}

// stashLocked 暂存提前到达的确认。调用方必须持有 e.mu。
func (e *Engine) stashLocked(update stream.TradeUpdate) {
	now := time.Now()
	e.pruneLocked(now)
	e.pending[update.DealID] = pendingUpdate{update: update, seenAt: now}
	e.logger.Info("收到未知订单的确认，已暂存",
		zap.String("deal_id", update.DealID),
		zap.String("status", update.Status),
	)
}

// pruneLocked 清理暂存区与终结名单中超过 TTL 的条目。
// 调用方必须持有 e.mu。
func (e *Engine) pruneLocked(now time.Time) {
	for dealID, entry := range e.pending {
		if now.Sub(entry.seenAt) > pendingTTL {
			delete(e.pending, dealID)
		}
	}
	for dealID, removedAt := range e.removed {
		if now.Sub(removedAt) > pendingTTL {
			delete(e.removed, dealID)
		}
	}
}

// removeLocked 原子清除双索引，并把 deal 标识记入终结名单，
// 用于识别迟到的重复确认。调用方必须持有 e.mu。
func (e *Engine) removeLocked(rec *record) {
	delete(e.byLocal, rec.localID)
	delete(e.byDeal, rec.dealID)
	e.removed[rec.dealID] = time.Now()
}

// watchConfirmation 为一笔新订单兜底：确认超时后按限流节奏轮询
// GetDealConfirmation，把查到的结果合成为一条确认落账。
func (e *Engine) watchConfirmation(localID, dealRef string) {
	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()
	<-timer.C

	attempts := e.cfg.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(attempts+1)*interval+e.cfg.Timeout)
	defer cancel()

	for attempt := 1; attempt <= attempts; attempt++ {
		if !e.awaitingConfirmation(dealRef) {
			return
		}
		if err := e.pollLimiter.Wait(ctx); err != nil {
			return
		}

		confirmation, err := e.client.GetDealConfirmation(ctx, dealRef)
		if err != nil {
			e.logger.Warn("确认轮询失败",
				zap.String("deal_ref", dealRef),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if mapVenueStatus(confirmation.Status) == StatusNone {
			continue
		}

		e.logger.Info("流确认超时，使用轮询结果落账",
			zap.String("local_id", localID),
			zap.String("deal_ref", dealRef),
			zap.String("status", confirmation.Status),
		)
		e.OnTradeUpdate(confirmationToUpdate(dealRef, confirmation))
		return
	}

	e.logger.Warn("确认兜底轮询放弃",
		zap.String("local_id", localID),
		zap.String("deal_ref", dealRef),
	)
}

func (e *Engine) awaitingConfirmation(dealRef string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.byDeal[dealRef]
	return ok && !rec.confirmed
}

func confirmationToUpdate(dealRef string, confirmation venue.Confirmation) stream.TradeUpdate {
	update := stream.TradeUpdate{
		DealID: dealRef,
		Status: confirmation.Status,
		Reason: confirmation.Reason,
	}
	if confirmation.Level != 0 {
		level := confirmation.Level
		update.FilledPrice = &level
	}
	if confirmation.Size != 0 {
		size := confirmation.Size
		update.FilledSize = &size
	}
	return update
}

func submitFailureReason(err error) string {
	if rejection, ok := venue.IsRejection(err); ok {
		return fmt.Sprintf("venue rejected: status=%d body=%s", rejection.Status, rejection.Body)
	}
	return err.Error()
}
