// Package transport 以 WebSocket 承載中繼協議
//
// 每條連線兩個 goroutine：
//   - readPump：讀取客戶端幀並分派給協調器；結束時觸發斷線清理
//   - writePump：從發送緩衝區取出幀寫入 socket，並定期送出 Ping
//
// 心跳設定（預設）：
//
//	writePump 每 54s Ping → 客戶端自動回 Pong → readPump 延長 60s 讀取期限
//	60s 內沒有任何幀（含 Pong）→ 讀取失敗 → 斷線清理
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-fps-relay/internal/protocol"
	"github.com/koopa0/system-design/14-fps-relay/internal/registry"
	"github.com/koopa0/system-design/14-fps-relay/pkg/logger"
)

// Config 連線參數
type Config struct {
	PongWait        time.Duration
	PingPeriod      time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	AllowedOrigins  []string // 空值表示允許所有來源
}

// DefaultConfig 預設連線參數
func DefaultConfig() Config {
	return Config{
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		WriteWait:       10 * time.Second,
		MaxMessageBytes: 16 << 10,
		SendBuffer:      256,
	}
}

// Relay 分派目標（房間協調器）
type Relay interface {
	Join(id, room string)
	UpdateState(id string, state protocol.PlayerState)
	HandleShoot(id string, ev protocol.ShootEvent)
	Disconnect(id string)
}

// Connections 連線註冊表
type Connections interface {
	Register(ch registry.Channel) string
	Unicast(id string, frame []byte) bool
	Len() int
	CloseAll()
}

// Hub WebSocket 連線中心
type Hub struct {
	relay    Relay
	conns    Connections
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// NewHub 創建 Hub
func NewHub(relay Relay, conns Connections, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		relay:  relay,
		conns:  conns,
		cfg:    cfg,
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin 非瀏覽器客戶端沒有 Origin 標頭，一律放行
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS 升級連線、註冊身分、送出 your-id 並啟動讀寫迴圈
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回覆 HTTP 錯誤
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &Conn{
		ws:   ws,
		send: make(chan []byte, h.cfg.SendBuffer),
		hub:  h,
	}
	c.id = h.conns.Register(c)
	c.ctx = logger.WithConnID(context.Background(), c.id)

	h.conns.Unicast(c.id, protocol.MustEncode(protocol.EventYourID, c.id))

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()

	h.logger.InfoContext(c.ctx, "player connected", "remote", r.RemoteAddr, "connections", h.conns.Len())
}

// Stop 關閉所有連線並等待讀寫迴圈結束
func (h *Hub) Stop(ctx context.Context) error {
	h.conns.CloseAll()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("websocket hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn 一條 WebSocket 連線，實現 registry.Channel
type Conn struct {
	id   string
	ctx  context.Context // 帶 conn_id，供日誌使用
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.Mutex
	closed bool
}

// ID 連線身分
func (c *Conn) ID() string {
	return c.id
}

// Send 非阻塞放入發送緩衝區
func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close 關閉發送緩衝區，writePump 送出 Close 幀後結束（冪等）
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump 讀取客戶端幀直到連線結束
func (c *Conn) readPump() {
	defer func() {
		c.hub.relay.Disconnect(c.id)
		c.ws.Close()
		c.hub.wg.Done()
		c.hub.logger.InfoContext(c.ctx, "player disconnected", "connections", c.hub.conns.Len())
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		c.hub.logger.ErrorContext(c.ctx, "set read deadline failed", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.ErrorContext(c.ctx, "websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(frame)
	}
}

// writePump 將發送緩衝區的幀寫入 socket
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// 註冊表已移除此連線
				_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.DebugContext(c.ctx, "websocket write failed", "error", err)
				return
			}

			// 一併送出已排隊的幀
			n := len(c.send)
			for i := 0; i < n; i++ {
				queued, ok := <-c.send
				if !ok {
					break
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, queued); err != nil {
					c.hub.logger.DebugContext(c.ctx, "websocket write failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch 解碼信封並交給協調器；無法解碼或未知事件直接丟棄
func (c *Conn) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.hub.logger.DebugContext(c.ctx, "frame dropped", "error", err)
		return
	}

	switch env.Event {
	case protocol.EventJoinRoom:
		var room string
		if err := env.DecodeData(&room); err != nil {
			c.hub.logger.DebugContext(c.ctx, "frame dropped", "error", err)
			return
		}
		c.hub.relay.Join(c.id, room)

	case protocol.EventPlayerUpdate:
		var state protocol.PlayerState
		if err := env.DecodeData(&state); err != nil {
			c.hub.logger.DebugContext(c.ctx, "frame dropped", "error", err)
			return
		}
		c.hub.relay.UpdateState(c.id, state)

	case protocol.EventPlayerShoot:
		var ev protocol.ShootEvent
		if err := env.DecodeData(&ev); err != nil {
			c.hub.logger.DebugContext(c.ctx, "frame dropped", "error", err)
			return
		}
		c.hub.relay.HandleShoot(c.id, ev)

	default:
		c.hub.logger.DebugContext(c.ctx, "unknown event", "event", env.Event)
	}
}
