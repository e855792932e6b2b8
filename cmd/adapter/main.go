package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"venuelink/internal/app"
	"venuelink/internal/config"
	"venuelink/internal/journal"
	"venuelink/internal/log"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	var jnl *journal.Journal
	if cfg.Database.Enabled {
		jnl, err = journal.Open(cfg.Database)
		if err != nil {
			logger.Error("初始化流水数据库失败", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			if closeErr := jnl.Close(); closeErr != nil {
				logger.Warn("关闭流水数据库失败", zap.Error(closeErr))
			}
		}()
	}

	adapterApp := app.New(cfg, logger, jnl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapterApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
