package web

// Мониторы: регистрация чатов на захват, список с курсорами и последними
// ошибками, статус сервиса захвата.

import (
	"net/http"
	"time"

	"receiptbot/internal/domain/txstore"

	"github.com/gin-gonic/gin"
)

type monitorView struct {
	ChatID         int64     `json:"chat_id"`
	Enabled        bool      `json:"enabled"`
	Cursor         int64     `json:"last_processed_message_id"`
	ChatType       string    `json:"chat_type,omitempty"`
	FilterMode     string    `json:"filter_mode"`
	FilterKeywords string    `json:"filter_keywords,omitempty"`
	Title          string    `json:"title,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func monitorToView(m *txstore.Monitor) monitorView {
	return monitorView{
		ChatID:         m.ChatID,
		Enabled:        m.Enabled,
		Cursor:         m.Cursor,
		ChatType:       m.ChatType,
		FilterMode:     m.FilterMode,
		FilterKeywords: m.FilterKeywords,
		Title:          m.Title,
		LastError:      m.LastError,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (s *Server) handleListMonitors(c *gin.Context) {
	monitors, err := s.deps.Store.ListMonitors(c.Request.Context(), c.Query("enabled") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]monitorView, 0, len(monitors))
	for _, m := range monitors {
		views = append(views, monitorToView(m))
	}
	c.JSON(http.StatusOK, gin.H{"monitors": views})
}

func (s *Server) handleUpsertMonitor(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Enabled         bool   `json:"enabled"`
		StartFromLatest bool   `json:"start_from_latest"`
		FilterMode      string `json:"filter_mode"`
		FilterKeywords  string `json:"filter_keywords"`
		ChatType        string `json:"chat_type"`
		Title           string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid monitor body")
		return
	}
	switch req.FilterMode {
	case "", txstore.FilterAll, txstore.FilterWhitelist, txstore.FilterBlacklist:
	default:
		respondBadRequest(c, "filter_mode must be one of all, whitelist, blacklist")
		return
	}

	m := &txstore.Monitor{
		ChatID:         chatID,
		Enabled:        req.Enabled,
		ChatType:       req.ChatType,
		FilterMode:     req.FilterMode,
		FilterKeywords: req.FilterKeywords,
		Title:          req.Title,
	}
	if err := s.deps.Monitors.Register(c.Request.Context(), m, req.StartFromLatest); err != nil {
		respondError(c, err)
		return
	}

	stored, err := s.deps.Store.GetMonitor(c.Request.Context(), chatID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, monitorToView(stored))
}

func (s *Server) handleDeleteMonitor(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteMonitor(c.Request.Context(), chatID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMonitorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitors.Status())
}
