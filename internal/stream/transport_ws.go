package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"venuelink/internal/config"
)

// wsFrame 为推送协议的统一帧结构。
type wsFrame struct {
	Op        string            `json:"op"`
	Topic     string            `json:"topic,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Fields    []string          `json:"fields,omitempty"`
	Values    map[string]string `json:"values,omitempty"`
	Password  string            `json:"password,omitempty"`
	Transport string            `json:"transport,omitempty"`
	Connected bool              `json:"connected,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// WSTransport 基于 gorilla/websocket 实现推送传输。
// prefer_long_poll 开启时向服务端声明兼容模式，接受更高延迟换取可靠投递。
type WSTransport struct {
	cfg    config.StreamingConfig
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSTransport 创建 WebSocket 传输。
func NewWSTransport(cfg config.StreamingConfig, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Dial 建立推送会话：握手、发送鉴权帧并等待服务端确认，
// 成功后启动读循环。失败时状态由调用方维持为未连接。
func (t *WSTransport) Dial(ctx context.Context, endpoint string, creds Credentials, handler TransportHandler) error {
	timeout := t.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamConnect, err)
	}

	transportMode := "websocket"
	if t.cfg.PreferLongPoll {
		transportMode = "long-poll-compat"
	}

	auth := wsFrame{Op: "auth", Password: creds.Password(), Transport: transportMode}
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: 发送鉴权帧失败: %v", ErrStreamConnect, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: 等待鉴权确认失败: %v", ErrStreamConnect, err)
	}
	if ack.Op != "status" || !ack.Connected {
		_ = conn.Close()
		return fmt.Errorf("%w: 鉴权被拒绝: %s", ErrStreamConnect, ack.Reason)
	}
	_ = conn.SetReadDeadline(time.Time{})

	t.conn = conn
	handler.OnStatus(true, "")

	go t.readLoop(handler)
	return nil
}

// Subscribe 发送订阅帧。
func (t *WSTransport) Subscribe(sub Subscription) error {
	return t.write(wsFrame{Op: "subscribe", Topic: sub.Topic, Mode: sub.Mode, Fields: sub.Fields})
}

// Unsubscribe 发送退订帧。
func (t *WSTransport) Unsubscribe(topic string) error {
	return t.write(wsFrame{Op: "unsubscribe", Topic: topic})
}

// Close 关闭底层连接，读循环随之退出。
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

func (t *WSTransport) write(frame wsFrame) error {
	if t.conn == nil {
		return fmt.Errorf("stream: 传输尚未建立")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(frame)
}

func (t *WSTransport) readLoop(handler TransportHandler) {
	for {
		var frame wsFrame
		if err := t.conn.ReadJSON(&frame); err != nil {
			select {
			case <-t.done:
				// 主动关闭，状态通知由连接层负责。
				return
			default:
			}
			t.logger.Warn("流推送连接中断", zap.Error(err))
			handler.OnStatus(false, err.Error())
			return
		}

		switch frame.Op {
		case "update":
			handler.OnUpdate(frame.Topic, frame.Values)
		case "status":
			if !frame.Connected {
				handler.OnStatus(false, frame.Reason)
				return
			}
		default:
			t.logger.Debug("忽略未知帧", zap.String("op", frame.Op))
		}
	}
}
