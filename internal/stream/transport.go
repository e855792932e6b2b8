package stream

import (
	"context"
	"errors"
)

// ErrStreamConnect 表示流推送会话建立失败。
var ErrStreamConnect = errors.New("stream connect failure")

// Credentials 为流推送鉴权所需的会话令牌对，
// 按场所惯例打包进密码字段传输。
type Credentials struct {
	ClientToken   string
	SecurityToken string
}

// Password 返回打包后的鉴权串。
func (c Credentials) Password() string {
	return "CST-" + c.ClientToken + "|XST-" + c.SecurityToken
}

// Subscription 描述一个订阅主题及其字段清单。
type Subscription struct {
	Topic  string
	Mode   string
	Fields []string
}

// TransportHandler 接收传输层回调。OnUpdate 与 OnStatus 由传输层
// 自己的读协程调用。
type TransportHandler interface {
	OnUpdate(topic string, fields map[string]string)
	OnStatus(connected bool, reason string)
}

// Transport 抽象底层推送协议的能力：订阅主题并回推字段更新。
// 默认实现基于 WebSocket，见 WSTransport。
type Transport interface {
	Dial(ctx context.Context, endpoint string, creds Credentials, handler TransportHandler) error
	Subscribe(sub Subscription) error
	Unsubscribe(topic string) error
	Close() error
}
