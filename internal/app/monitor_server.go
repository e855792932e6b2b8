package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// startMonitorServer 启动只读运维接口：当前追踪的订单、最近的
// 状态迁移流水以及流连接状态。仅用于排查，不做鉴权，端口不应外露。
func startMonitorServer(ctx context.Context, adapter *Adapter, port int, logger *zap.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, adapter.GetOpenOrders())
	})

	mux.HandleFunc("/transitions", func(w http.ResponseWriter, r *http.Request) {
		if adapter.journal == nil {
			http.Error(w, "transition journal disabled", http.StatusNotFound)
			return
		}

		limit := 200
		if qs := r.URL.Query().Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		entries, err := adapter.journal.RecentTransitions(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, entries)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		session := adapter.client.Session()
		writeJSON(w, logger, map[string]any{
			"stream":    adapter.conn.State().String(),
			"logged_in": session != nil,
			"account":   adapter.activeAccountID(),
		})
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("运维接口异常", zap.Error(err))
		}
	}()

	logger.Info("运维接口已启动", zap.String("addr", addr))
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入运维响应失败", zap.Error(err))
	}
}
