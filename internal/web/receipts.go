package web

// Ручная обработка чеков: одно сообщение, пачка сообщений и проверка,
// какие адреса уже превращены в транзакции.

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"

	"github.com/gin-gonic/gin"
)

type parsingView struct {
	Method     string  `json:"method,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

type processView struct {
	MessageID   int64        `json:"message_id,omitempty"`
	Created     bool         `json:"created"`
	Duplicate   bool         `json:"duplicate"`
	Transaction string       `json:"transaction,omitempty"`
	Parsing     *parsingView `json:"parsing,omitempty"`
	Error       string       `json:"error,omitempty"`
}

func outcomeToView(messageID int64, outcome *receipts.Outcome, err error) processView {
	view := processView{MessageID: messageID}
	if err != nil {
		view.Error = err.Error()
		return view
	}
	view.Created = outcome.Created
	view.Duplicate = outcome.Duplicate
	view.Transaction = outcome.TransactionID
	view.Parsing = &parsingView{
		Method:     outcome.Method,
		Confidence: outcome.Confidence,
		Notes:      outcome.Notes,
	}
	return view
}

func (s *Server) handleProcessReceipt(c *gin.Context) {
	var req struct {
		ChatID    int64 `json:"chat_id" binding:"required"`
		MessageID int64 `json:"message_id" binding:"required"`
		Force     bool  `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "chat_id and message_id are required")
		return
	}

	outcome, err := s.deps.Processor.Process(c.Request.Context(), req.ChatID, req.MessageID, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeToView(0, outcome, nil))
}

func (s *Server) handleProcessReceiptBatch(c *gin.Context) {
	var req struct {
		ChatID     int64   `json:"chat_id" binding:"required"`
		MessageIDs []int64 `json:"message_ids" binding:"required"`
		Force      bool    `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "chat_id and message_ids are required")
		return
	}

	results := make([]processView, 0, len(req.MessageIDs))
	for _, messageID := range req.MessageIDs {
		outcome, err := s.deps.Processor.Process(c.Request.Context(), req.ChatID, messageID, req.Force)
		results = append(results, outcomeToView(messageID, outcome, err))
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleProcessedStatus(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	if err != nil {
		respondBadRequest(c, "chat_id must be an integer")
		return
	}
	rawIDs := strings.Split(c.Query("message_ids"), ",")

	status := make(map[string]bool, len(rawIDs))
	for _, raw := range rawIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		messageID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			respondBadRequest(c, "message_ids must be a comma-separated list of integers")
			return
		}
		_, findErr := s.deps.Store.FindTransactionByAddress(c.Request.Context(), chatID, messageID)
		switch {
		case findErr == nil:
			status[raw] = true
		case errors.Is(findErr, txstore.ErrTransactionNotFound):
			status[raw] = false
		default:
			respondError(c, findErr)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "processed": status})
}
