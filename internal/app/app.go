package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"venuelink/internal/config"
	"venuelink/internal/engine"
	"venuelink/internal/journal"
	"venuelink/internal/stream"
)

// App 驱动适配器以独立进程方式运行的生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	journal *journal.Journal
}

// New 创建 App 实例。journal 可为 nil。
func New(cfg *config.Config, logger *zap.Logger, jnl *journal.Journal) *App {
	return &App{
		cfg:     cfg,
		logger:  logger,
		journal: jnl,
	}
}

// Run 建立连接后阻塞等待退出信号，退出前完成下线清理。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("适配器进程已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.Venue.BaseURL),
	)

	adapter, err := NewAdapter(a.cfg, &loggingSink{logger: a.logger}, a.journal, a.logger)
	if err != nil {
		return err
	}
	defer adapter.Close()

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("建立场所连接失败: %w", err)
	}

	if a.cfg.App.MonitorPort > 0 {
		startMonitorServer(ctx, adapter, a.cfg.App.MonitorPort, a.logger)
	}

	<-ctx.Done()

	// 下线清理使用独立上下文，退出信号已取消原 ctx。
	shutdownCtx := context.Background()
	adapter.Disconnect(shutdownCtx)

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

// loggingSink 把适配器事件写进日志，供独立进程模式使用。
// 嵌入宿主引擎时应替换为宿主自己的 EventSink 实现。
type loggingSink struct {
	logger *zap.Logger
}

func (s *loggingSink) OnTransition(t engine.Transition) {
	s.logger.Info("订单状态迁移",
		zap.String("local_id", t.LocalID),
		zap.String("deal_id", t.DealID),
		zap.String("status", string(t.Status)),
		zap.String("reason", t.Reason),
	)
}

func (s *loggingSink) OnPrice(update stream.PriceUpdate) {
	s.logger.Debug("行情更新", zap.String("instrument", update.Instrument))
}

func (s *loggingSink) OnAccount(update stream.AccountUpdate) {
	s.logger.Debug("账户资金更新", zap.String("currency", update.Currency))
}

func (s *loggingSink) OnMessage(text string) {
	s.logger.Warn("连接消息", zap.String("message", text))
}
