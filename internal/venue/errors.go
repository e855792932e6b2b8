package venue

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport 表示网络层调用失败（连接拒绝、超时等），本层不做重试。
	ErrTransport = errors.New("venue transport failure")
	// ErrAuthentication 表示登录响应缺少必需的会话凭证。
	ErrAuthentication = errors.New("venue authentication failure")
	// ErrNotFound 表示请求的资源不存在于响应结果中。
	ErrNotFound = errors.New("venue resource not found")
)

// RemoteRejection 表示场所返回了非成功状态码。
type RemoteRejection struct {
	Status int
	Body   string
}

func (r *RemoteRejection) Error() string {
	return fmt.Sprintf("venue: 请求被拒绝 status=%d body=%s", r.Status, r.Body)
}

// IsRejection 判断错误是否为场所侧拒绝，并返回具体内容。
func IsRejection(err error) (*RemoteRejection, bool) {
	var rejection *RemoteRejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}
