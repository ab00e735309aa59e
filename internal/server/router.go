package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"meshchat/internal/auth"
	"meshchat/internal/chat"
	"meshchat/internal/config"
	"meshchat/internal/metrics"
	"meshchat/internal/mw"
	"meshchat/internal/signaling"
	"meshchat/internal/store"
	"meshchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的全部组件，由 main 组装。
type Deps struct {
	Handler *Handler
	Users   store.UserRepository
	Hub     *ws.Hub
	Chat    *chat.Handler
	Relay   *signaling.Relay
	// Limiter 为空时使用默认的每 IP+路由 20 req/s
	Limiter *mw.Limiter
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及两个 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	lim := d.Limiter
	if lim == nil {
		lim = mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	}
	r.Use(lim.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Hub.Count(), "voiceRooms": d.Relay.RoomCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", d.Handler.Register)
	api.POST("/auth/login", d.Handler.Login)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.JWTSecret, d.Users))
	authed.GET("/me", func(c *gin.Context) {
		user, _ := auth.GetUser(c)
		c.JSON(http.StatusOK, gin.H{"user": user})
	})
	authed.GET("/rooms", d.Handler.ListRooms)
	authed.POST("/rooms", d.Handler.CreateRoom)
	authed.GET("/rooms/:id", d.Handler.GetRoom)
	authed.GET("/rooms/:id/messages", d.Handler.ListMessages)

	r.POST("/upload", d.Handler.Upload)
	r.GET("/files/:id", d.Handler.GetFile)

	up := ws.NewUpgrader(cfg.Env, cfg.CORSOrigins)
	r.GET("/ws", ws.ServeChat(d.Hub, up, d.Chat))
	r.GET("/signaling", ws.ServeSignaling(d.Hub, up, d.Relay))

	webDir := filepath.Join(".", "web")
	if _, err := os.Stat(filepath.Join(webDir, "index.html")); err == nil {
		fs := http.FileServer(http.Dir(webDir))
		r.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet {
				c.Status(http.StatusNotFound)
				return
			}
			fs.ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}
