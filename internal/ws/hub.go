package ws

import (
	"context"
	"sync"
	"time"

	"meshchat/internal/metrics"

	"github.com/gorilla/websocket"
)

// Hub 记录全部存活连接，用于统计与优雅停服。
type Hub struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	idle    chan struct{}
}

func NewHub() *Hub { return &Hub{conns: make(map[*Conn]struct{})} }

// Add 登记连接；停服过程中返回 false。
func (h *Hub) Add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	metrics.WsConnections.WithLabelValues(c.channel).Inc()
	return true
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	metrics.WsConnections.WithLabelValues(c.channel).Dec()
	if h.closing && len(h.conns) == 0 && h.idle != nil {
		close(h.idle)
		h.idle = nil
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll 拒绝新连接，向现有连接发送 going away，并等待读循环退出或 ctx 结束。
func (h *Hub) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	var idle chan struct{}
	if len(h.conns) > 0 {
		idle = make(chan struct{})
		h.idle = idle
	}
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	}
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
