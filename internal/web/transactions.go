package web

// Транзакции: выборка с фильтрами, админские правки маппинга и меток,
// удаление и сводная аналитика. Конвейер сюда не пишет — только читает
// администратор.

import (
	"net/http"
	"time"

	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/config"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const dateQueryLayout = "2006-01-02"

type transactionView struct {
	ID              string          `json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	RawMessage      string          `json:"raw_message,omitempty"`
	SourceType      string          `json:"source_type"`
	SourceChatID    int64           `json:"source_chat_id,omitempty"`
	SourceMessageID int64           `json:"source_message_id,omitempty"`
	Date            time.Time       `json:"date"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	CardLast4       string          `json:"card_last4,omitempty"`
	OperatorRaw     string          `json:"operator_raw,omitempty"`
	Application     string          `json:"application,omitempty"`
	Type            string          `json:"type"`
	ReceiverName    string          `json:"receiver_name,omitempty"`
	ReceiverCard    string          `json:"receiver_card,omitempty"`
	ParsingMethod   string          `json:"parsing_method"`
	Confidence      float64         `json:"confidence,omitempty"`
	IsP2P           bool            `json:"is_p2p"`
}

func transactionToView(t *txstore.Transaction) transactionView {
	return transactionView{
		ID:              t.ID,
		CreatedAt:       t.CreatedAt,
		RawMessage:      t.RawMessage,
		SourceType:      t.SourceType,
		SourceChatID:    t.SourceChatID,
		SourceMessageID: t.SourceMessageID,
		Date:            t.Date,
		Amount:          t.Amount,
		Currency:        t.Currency,
		CardLast4:       t.CardLast4,
		OperatorRaw:     t.OperatorRaw,
		Application:     t.Application,
		Type:            t.Type,
		ReceiverName:    t.ReceiverName,
		ReceiverCard:    t.ReceiverCard,
		ParsingMethod:   t.ParsingMethod,
		Confidence:      t.Confidence,
		IsP2P:           t.IsP2P,
	}
}

// queryDate разбирает дату YYYY-MM-DD в таймзоне чеков.
func queryDate(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.ParseInLocation(dateQueryLayout, raw, config.ChatLocation)
	if err != nil {
		respondBadRequest(c, name+" must be a date in YYYY-MM-DD format")
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) handleListTransactions(c *gin.Context) {
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1) // включительно по дате
	}

	filter := txstore.TransactionFilter{
		From:        from,
		To:          to,
		ChatID:      queryInt64(c, "chat_id"),
		Application: c.Query("application"),
		Type:        c.Query("type"),
		Limit:       queryInt(c, "limit", 100),
		Offset:      queryInt(c, "offset", 0),
	}
	list, err := s.deps.Store.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]transactionView, 0, len(list))
	for _, t := range list {
		views = append(views, transactionToView(t))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views})
}

func (s *Server) handleUpdateTransaction(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Application  *string `json:"application"`
		Type         *string `json:"type"`
		IsP2P        *bool   `json:"is_p2p"`
		ReceiverName *string `json:"receiver_name"`
		ReceiverCard *string `json:"receiver_card"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid transaction update body")
		return
	}
	if req.Type != nil {
		switch *req.Type {
		case txstore.TypeDebit, txstore.TypeCredit, txstore.TypeConversion, txstore.TypeReversal, txstore.TypeUnknown:
		default:
			respondBadRequest(c, "type must be one of DEBIT, CREDIT, CONVERSION, REVERSAL, UNKNOWN")
			return
		}
	}

	update := txstore.TransactionUpdate{
		Application:  req.Application,
		Type:         req.Type,
		IsP2P:        req.IsP2P,
		ReceiverName: req.ReceiverName,
		ReceiverCard: req.ReceiverCard,
	}
	if err := s.deps.Store.UpdateTransaction(c.Request.Context(), id, update); err != nil {
		respondError(c, err)
		return
	}

	updated, err := s.deps.Store.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transactionToView(updated))
}

func (s *Server) handleDeleteTransaction(c *gin.Context) {
	if err := s.deps.Store.DeleteTransaction(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleBulkDeleteTransactions(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "ids are required")
		return
	}
	deleted, err := s.deps.Store.DeleteTransactions(c.Request.Context(), req.IDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) handleAnalyticsSummary(c *gin.Context) {
	from, ok := queryDate(c, "from")
	if !ok {
		return
	}
	to, ok := queryDate(c, "to")
	if !ok {
		return
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1)
	}

	summary, err := s.deps.Store.Summarize(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err)
		return
	}

	byApp := make([]gin.H, 0, len(summary.ByApplication))
	for _, item := range summary.ByApplication {
		byApp = append(byApp, gin.H{
			"application": item.Application,
			"count":       item.Count,
			"volume":      item.Volume,
		})
	}
	byDay := make([]gin.H, 0, len(summary.ByDay))
	for _, item := range summary.ByDay {
		byDay = append(byDay, gin.H{
			"day":    item.Day,
			"count":  item.Count,
			"volume": item.Volume,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"count":          summary.Count,
		"total_volume":   summary.TotalVolume,
		"by_application": byApp,
		"by_day":         byDay,
	})
}
