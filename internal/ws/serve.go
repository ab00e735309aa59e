package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"meshchat/internal/auth"
	"meshchat/internal/chat"
	"meshchat/internal/mw"
	"meshchat/internal/service"
	"meshchat/internal/signaling"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// NewUpgrader 按 CORS 同样的规则校验 Origin。
func NewUpgrader(env string, origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return mw.OriginAllowed(env, origins, r.Header.Get("Origin"), r.Host)
		},
	}
}

func errorFrame(err error) []byte {
	b, _ := json.Marshal(map[string]string{"type": "error", "message": service.PublicMessage(err)})
	return b
}

func (h *Hub) accept(c *gin.Context, up *websocket.Upgrader, channel string) *Conn {
	wsConn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return nil
	}
	conn := newConn(channel, wsConn)
	if !h.Add(conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
		_ = wsConn.WriteMessage(websocket.CloseMessage, msg)
		_ = wsConn.Close()
		return nil
	}
	go conn.writePump()
	return conn
}

// ServeChat 处理 /ws。带 token 时直接认证，否则等待 auth 帧。
func ServeChat(h *Hub, up *websocket.Upgrader, handler *chat.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		conn := h.accept(c, up, "chat")
		if conn == nil {
			return
		}
		ctx := c.Request.Context()
		defer func() {
			handler.Disconnect(context.WithoutCancel(ctx), conn)
			h.Remove(conn)
			conn.closeSend()
		}()

		if err := handler.Connect(ctx, conn, token); err != nil {
			conn.Send(errorFrame(err))
			return
		}
		conn.readPump(ctx,
			func(ctx context.Context, raw []byte) { handler.HandleFrame(ctx, conn, raw) },
			func(err error) { conn.Send(errorFrame(err)) })
	}
}

// ServeSignaling 处理 /signaling。信令通道不依赖聊天身份。
func ServeSignaling(h *Hub, up *websocket.Upgrader, relay *signaling.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn := h.accept(c, up, "signaling")
		if conn == nil {
			return
		}
		defer func() {
			relay.Disconnect(conn)
			h.Remove(conn)
			conn.closeSend()
		}()
		conn.readPump(c.Request.Context(),
			func(_ context.Context, raw []byte) { relay.HandleFrame(conn, raw) },
			func(err error) { conn.Send(errorFrame(err)) })
	}
}
