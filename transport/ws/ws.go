// Package ws 基于 gorilla/websocket 的传输适配
// 负责 HTTP 升级与帧的收发，协议语义全部由 relay 引擎处理。
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/relay"
)

// Config 传输配置
type Config struct {
	ReadBufferSize   int           // 读缓冲区大小
	WriteBufferSize  int           // 写缓冲区大小
	HandshakeTimeout time.Duration // 握手超时时间
	WriteWait        time.Duration // 单次写超时
	MaxMessageSize   int64         // 最大消息大小

	AllowedOrigins []string                 // Origin 白名单
	CheckOrigin    func(*http.Request) bool // 自定义 Origin 检查
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   512 * 1024,
	}
}

// Adapter WebSocket 传输适配器
type Adapter struct {
	engine   *relay.Engine
	config   *Config
	upgrader websocket.Upgrader
}

// NewAdapter 创建适配器
func NewAdapter(engine *relay.Engine, config *Config) *Adapter {
	if config == nil {
		config = DefaultConfig()
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		if len(config.AllowedOrigins) > 0 {
			checkOrigin = whitelistChecker(config.AllowedOrigins)
		} else {
			checkOrigin = sameOriginChecker
		}
	}

	return &Adapter{
		engine: engine,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
	}
}

// HandleUpgrade 升级 HTTP 连接并交给引擎接管
func (a *Adapter) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	t := newTransport(conn, a.config.WriteWait)
	ch, err := a.engine.OnChannelEstablished(t)
	if err != nil {
		// 连接已升级，只能以关闭帧告知对端
		code := websocket.CloseInternalServerErr
		if errors.Is(err, relay.ErrTooManyChannels) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return err
	}

	go a.readLoop(conn, ch)
	return nil
}

// readLoop 读取入站帧并推给通道
func (a *Adapter) readLoop(conn *websocket.Conn, ch *relay.Channel) {
	defer ch.TransportClosed()

	conn.SetReadLimit(a.config.MaxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ch.Receive(data)
	}
}

// transport 包装单个 websocket 连接
// Send 只会被通道的唯一写者调用，符合 gorilla 的单写者要求。
type transport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

// newTransport 创建传输
func newTransport(conn *websocket.Conn, writeWait time.Duration) *transport {
	return &transport{conn: conn, writeWait: writeWait}
}

// Send 写出一帧，写超时映射为背压
func (t *transport) Send(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return relay.ErrTransportClosed
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return relay.ErrBackpressure
		}
		return relay.ErrTransportClosed
	}
	return nil
}

// Close 关闭连接
func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// Dialer 客户端拨号器，实现 relay.Dialer
// 每次成功拨号都会启动读协程，入站帧经 OnReceive 回调交付，
// 连接断开时触发 OnClose（重连协调器据此进入重连状态）。
type Dialer struct {
	URL       string
	Config    *Config
	OnReceive func(data []byte)
	OnClose   func()
}

// Dial 建立连接
func (d *Dialer) Dial(ctx context.Context) (relay.Transport, error) {
	config := d.Config
	if config == nil {
		config = DefaultConfig()
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(config.MaxMessageSize)
	go func() {
		defer func() {
			if d.OnClose != nil {
				d.OnClose()
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if d.OnReceive != nil {
				d.OnReceive(data)
			}
		}
	}()

	return newTransport(conn, config.WriteWait), nil
}

// sameOriginChecker 默认同源检查
func sameOriginChecker(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// whitelistChecker 创建白名单检查器
func whitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	whitelist := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		whitelist[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return whitelist[origin]
	}
}
