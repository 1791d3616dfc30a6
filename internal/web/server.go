// Пакет web — HTTP-поверхность администратора: авторизация чат-сессии,
// каталог чатов, мониторы, ручная обработка чеков, справочник операторов,
// транзакции и аналитика. JSON API на gin; UI нет.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"receiptbot/internal/domain/monitor"
	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/logger"
	"receiptbot/internal/telegram"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 120 * time.Second // обработка чека может ждать GPT и скачивание PDF
	idleTimeout  = 60 * time.Second
)

// ChatSession — поверхность чат-сессии, нужная веб-слою.
type ChatSession interface {
	GetAuthState() telegram.AuthStatus
	SetPhoneNumber(ctx context.Context, phone string) error
	CheckCode(ctx context.Context, code string) error
	CheckPassword(ctx context.Context, password string) error
	ResendCode(ctx context.Context) error
	Logout(ctx context.Context) error

	ListChats(ctx context.Context, filter telegram.ChatFilter) ([]telegram.ChatInfo, int, error)
	RefreshChats(ctx context.Context) error
	ListMessages(ctx context.Context, chatID, fromMessageID int64, limit int, fetchAll bool) ([]*telegram.Message, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
}

// ReceiptProcessor — ручная обработка одного сообщения.
type ReceiptProcessor interface {
	Process(ctx context.Context, chatID, messageID int64, force bool) (*receipts.Outcome, error)
}

// MonitorService — регистрация мониторов и статус захвата.
type MonitorService interface {
	Register(ctx context.Context, m *txstore.Monitor, startFromLatest bool) error
	Status() monitor.Status
}

// ReferenceCache — кэш словаря операторов, который надо сбрасывать
// после правок справочника.
type ReferenceCache interface {
	RefreshCache(ctx context.Context) error
}

// Deps — зависимости сервера.
type Deps struct {
	Session   ChatSession
	Store     *txstore.Store
	Processor ReceiptProcessor
	Monitors  MonitorService
	Reference ReferenceCache
	AuthToken string // пустая строка отключает проверку токена
}

// Server представляет веб-сервер администратора.
type Server struct {
	srv  *http.Server
	deps Deps
}

// NewServer собирает роутинг и HTTP-сервер, не открывая порт.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)

	api := router.Group("/api", authMiddleware(deps.AuthToken))
	{
		tgGroup := api.Group("/tg")
		tgGroup.GET("/auth/state", s.handleAuthState)
		tgGroup.POST("/auth/phone", s.handleAuthPhone)
		tgGroup.POST("/auth/code", s.handleAuthCode)
		tgGroup.POST("/auth/password", s.handleAuthPassword)
		tgGroup.POST("/auth/resend", s.handleAuthResend)
		tgGroup.POST("/auth/logout", s.handleAuthLogout)

		tgGroup.GET("/chats", s.handleListChats)
		tgGroup.POST("/chats/refresh", s.handleRefreshChats)
		tgGroup.POST("/chats/:chat_id/hide", s.handleHideChat)
		tgGroup.POST("/chats/:chat_id/unhide", s.handleUnhideChat)
		tgGroup.GET("/chats/:chat_id/messages", s.handleChatMessages)
		tgGroup.POST("/chats/:chat_id/send", s.handleSendMessage)
		tgGroup.POST("/chats/:chat_id/send-document", s.handleSendDocument)

		tgGroup.GET("/monitors", s.handleListMonitors)
		tgGroup.PUT("/monitors/:chat_id", s.handleUpsertMonitor)
		tgGroup.DELETE("/monitors/:chat_id", s.handleDeleteMonitor)
		tgGroup.GET("/monitor/status", s.handleMonitorStatus)

		api.POST("/process-receipt", s.handleProcessReceipt)
		api.POST("/process-receipt-batch", s.handleProcessReceiptBatch)
		api.GET("/processed-status", s.handleProcessedStatus)

		api.GET("/reference", s.handleListReference)
		api.POST("/reference", s.handleCreateReference)
		api.PUT("/reference/:id", s.handleUpdateReference)
		api.DELETE("/reference/:id", s.handleDeleteReference)
		api.GET("/reference/export", s.handleExportReference)
		api.POST("/reference/import", s.handleImportReference)

		api.GET("/transactions", s.handleListTransactions)
		api.PATCH("/transactions/:id", s.handleUpdateTransaction)
		api.DELETE("/transactions/:id", s.handleDeleteTransaction)
		api.POST("/transactions/bulk-delete", s.handleBulkDeleteTransactions)
		api.GET("/analytics/summary", s.handleAnalyticsSummary)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Start запускает веб-сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Info("starting web server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает веб-сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down web server")
	return s.srv.Shutdown(ctx)
}

// Handler отдаёт http.Handler сервера; используется в тестах.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
