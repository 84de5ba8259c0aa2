package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 32
)

// streamMessage 是推给渲染端的 WebSocket 消息。
type streamMessage struct {
	Type  string `json:"type"` // state | error | session_expired
	State any    `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// hub 管理所有订阅播放状态的 WebSocket 连接。
// 广播不阻塞：某个连接写不过来时丢弃该连接的这条消息。
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *zap.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newHub(logger *zap.Logger) *hub {
	return &hub{clients: make(map[*wsClient]struct{}), logger: logger}
}

func (h *hub) add(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSize), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	go h.writePump(c)
	h.logger.Info("[Hub] client connected", zap.String("remote", conn.RemoteAddr().String()), zap.Int("clients", n))
	return c
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.logger.Info("[Hub] client disconnected", zap.Int("clients", n))
}

func (h *hub) broadcast(msg streamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("[Hub] marshal message failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(data, h.logger)
	}
}

// sendTo 只发给一个连接，用于连接建立时的初始状态和命令错误。
func (h *hub) sendTo(c *wsClient, msg streamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data, h.logger)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("[Hub] write failed", zap.Error(err))
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (c *wsClient) enqueue(data []byte, logger *zap.Logger) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		logger.Warn("[Hub] client too slow, dropping message")
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}
