package web

import (
	"errors"
	"net/http"
	"strconv"

	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/telegram"

	"github.com/gin-gonic/gin"
)

// respondError переводит ошибку нижнего слоя в HTTP-статус и JSON-конверт.
// Недоступная чат-сессия — 503, отклонённый шаг авторизации — 400,
// отсутствующее сообщение — 404, остальное — 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, telegram.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, telegram.ErrAuthStep):
		status = http.StatusBadRequest
	case errors.Is(err, receipts.ErrMessageNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

// chatIDParam разбирает :chat_id из пути.
func chatIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		respondBadRequest(c, "chat_id must be an integer")
		return 0, false
	}
	return id, true
}

// queryInt читает целочисленный query-параметр с дефолтом.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryInt64(c *gin.Context, name string) int64 {
	v, _ := strconv.ParseInt(c.Query(name), 10, 64)
	return v
}
