package web

// Каталог чатов и переписка: выборка с фильтрами, скрытие чатов из выдачи,
// просмотр истории и отправка сообщений от имени аккаунта.

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"receiptbot/internal/telegram"
)

func (s *Server) handleListChats(c *gin.Context) {
	hidden, err := s.deps.Store.HiddenChatIDs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	hiddenSet := make(map[int64]bool, len(hidden))
	for id := range hidden {
		hiddenSet[id] = true
	}

	filter := telegram.ChatFilter{
		Search:        c.Query("search"),
		Limit:         queryInt(c, "limit", 0),
		Offset:        queryInt(c, "offset", 0),
		IncludeHidden: c.Query("include_hidden") == "true",
		Hidden:        hiddenSet,
	}
	if kinds := c.Query("types"); kinds != "" {
		filter.Kinds = strings.Split(kinds, ",")
	}

	chats, total, err := s.deps.Session.ListChats(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats, "total": total})
}

func (s *Server) handleRefreshChats(c *gin.Context) {
	if err := s.deps.Session.RefreshChats(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHideChat(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := s.deps.Store.HideChat(c.Request.Context(), chatID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnhideChat(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := s.deps.Store.UnhideChat(c.Request.Context(), chatID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleChatMessages(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	messages, err := s.deps.Session.ListMessages(c.Request.Context(), chatID,
		queryInt64(c, "from_message_id"),
		queryInt(c, "limit", 0),
		c.Query("fetch_all") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "text is required")
		return
	}
	if err := s.deps.Session.SendMessage(c.Request.Context(), chatID, req.Text); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSendDocument принимает multipart-файл, сохраняет его во временный
// каталог и отправляет в чат как документ. Временный файл удаляется после
// отправки.
func (s *Server) handleSendDocument(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		respondBadRequest(c, "file is required")
		return
	}

	dir, err := os.MkdirTemp("", "receiptbot-send-*")
	if err != nil {
		respondError(c, err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, path); err != nil {
		respondError(c, err)
		return
	}

	caption := c.PostForm("caption")
	if err := s.deps.Session.SendDocument(c.Request.Context(), chatID, path, caption); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
