package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"receiptbot/internal/infra/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// authMiddleware проверяет статический токен администратора в заголовке
// Authorization: Bearer <token> либо X-Auth-Token. Пустой токен в конфиге
// отключает проверку: по умолчанию сервер слушает только loopback.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		got := c.GetHeader("X-Auth-Token")
		if got == "" {
			header := c.GetHeader("Authorization")
			got = strings.TrimPrefix(header, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn("unauthorized web request",
				zap.String("path", c.Request.URL.Path), zap.String("remote", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid auth token"})
			return
		}
		c.Next()
	}
}

// requestLogger логирует запросы через глобальный zap-логгер.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
