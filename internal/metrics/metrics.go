package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	}, []string{"channel"})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Number of identities with at least one live chat connection",
	})
	WsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_frames_total",
		Help: "Total number of inbound websocket frames by channel and type",
	}, []string{"channel", "type"})
	WsDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_frames_total",
		Help: "Outbound frames dropped because a connection send buffer was full",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted and fanned out",
	})
	InvitationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_invitations_total",
		Help: "Invitation transitions by resulting status",
	}, []string{"status"})
	SignalRelaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_signal_relays_total",
		Help: "Signaling frames relayed by kind and result",
	}, []string{"kind", "result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, OnlineUsers, WsFramesTotal, WsDroppedFrames, MessagesTotal,
		InvitationsTotal, SignalRelaysTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
