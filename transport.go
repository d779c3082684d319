package relay

import "context"

// Transport 已建立的全双工连接抽象
// 协议握手由外部协作方完成，核心只消费建立好的连接。
// Send 在出站缓冲满时返回 ErrBackpressure，连接已关闭时返回 ErrTransportClosed。
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Dialer 客户端重连使用的拨号器
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc 函数式拨号器
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial 实现 Dialer 接口
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}
