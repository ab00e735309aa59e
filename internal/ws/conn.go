package ws

import (
	"context"
	"sync"
	"time"

	"meshchat/internal/metrics"
	"meshchat/internal/models"
	"meshchat/internal/service"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	readLimit    = 1 << 20 // 1MB
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second

	frameRate  = 30
	frameBurst = 60
)

var errRateLimited = service.Validation("rate limit exceeded")

// Conn 是一条 websocket 连接。聊天身份与语音房间的 peer 信息都直接记在连接上。
type Conn struct {
	channel string
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	user   *models.User
	roomID string
	peerID string
}

func newConn(channel string, ws *websocket.Conn) *Conn {
	return &Conn{
		channel: channel,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(frameRate, frameBurst),
	}
}

// Send 把帧放入发送队列，永不阻塞；队列满时关闭连接，由读循环完成清理。
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
		c.closed = true
		close(c.send)
		metrics.WsDroppedFrames.Inc()
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) User() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) Bind(u *models.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

func (c *Conn) Peer() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.peerID
}

func (c *Conn) SetPeer(roomID, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID, c.peerID = roomID, peerID
}

// readPump 顺序读取帧并交给 handle，同一连接的帧不会并发处理。
func (c *Conn) readPump(ctx context.Context, handle func(ctx context.Context, raw []byte), onError func(err error)) {
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			onError(errRateLimited)
			continue
		}
		handle(ctx, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
