package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginAllowed 判断跨域来源：dev 环境全部放行；配置了白名单时按白名单匹配；否则只允许同源。
func OriginAllowed(env string, allowed []string, origin, host string) bool {
	if origin == "" || env == "dev" {
		return true
	}
	if len(allowed) > 0 {
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
	o := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(o, host)
}

// CORS 返回一个支持跨域请求的中间件。
func CORS(env string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if OriginAllowed(env, allowed, origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
