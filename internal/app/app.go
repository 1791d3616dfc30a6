// Package app — верхний уровень сборки приложения: здесь связываются
// конфигурация, база транзакций, каскад разбора, резолвер операторов,
// чат-сессия, сервис захвата и веб-сервер администратора. Отсюда стартует
// цикл обработки и обеспечивается корректный shutdown.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"receiptbot/internal/domain/monitor"
	"receiptbot/internal/domain/operators"
	"receiptbot/internal/domain/parser"
	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/config"
	"receiptbot/internal/infra/db"
	"receiptbot/internal/infra/logger"
	"receiptbot/internal/telegram"
	"receiptbot/internal/web"
)

// App агрегирует зависимости приёмника чеков и управляет их связью.
// Порядок сборки — строго снизу вверх: база → разбор → резолвер →
// чат-сессия → конвейер → захват → веб. Запуск и остановку оркестрирует
// Runner.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	conn     *sql.DB
	store    *txstore.Store
	mapper   *operators.Mapper
	tg       *telegram.Manager
	pipeline *receipts.Processor
	monitors *monitor.Service
	webSrv   *web.Server
	runner   *Runner
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает все подсистемы и блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("receipt bot initializing...")
	env := config.Env()

	// 1) База транзакций и стор.
	conn, err := db.Open(env.DatabaseFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.conn = conn
	defer func() { _ = conn.Close() }()

	store, err := txstore.New(conn)
	if err != nil {
		return fmt.Errorf("init transaction store: %w", err)
	}
	a.store = store

	// 2) Каскад разбора: регексы → GPT-текст → PDF/OCR → GPT-vision.
	gpt := parser.NewGPTClient(env.OpenAIAPIKey, env.OpenAIModel, config.ChatLocation)
	regex := parser.NewRegexParser(config.ChatLocation)
	orch := parser.NewOrchestrator(regex, gpt, env.RegexConfidence)
	pdf := parser.NewPDFExtractor(true)

	// 3) Резолвер операторов со словарём из базы и модельным фоллбеком.
	mapper, err := operators.NewMapper(a.mainCtx, store, gpt, env.ResolverConfidence)
	if err != nil {
		return fmt.Errorf("init operator mapper: %w", err)
	}
	a.mapper = mapper

	// 4) Чат-сессия.
	tgMgr, err := telegram.NewManager(telegram.Options{
		APIID:       env.APIID,
		APIHash:     env.APIHash,
		SessionFile: env.SessionFile,
		StateFile:   env.StateFile,
		PeersFile:   env.PeersFile,
		FilesDir:    env.FilesDir,
		ThrottleRPS: env.ThrottleRPS,
		TestDC:      env.TestDC,
	})
	if err != nil {
		return fmt.Errorf("init telegram manager: %w", err)
	}
	a.tg = tgMgr

	// 5) Конвейер обработки одного сообщения.
	a.pipeline = receipts.NewProcessor(store, orch, pdf, mapper, tgMgr,
		config.ChatLocation, time.Duration(env.DownloadTimeoutSec)*time.Second)

	// 6) Сервис захвата: live-поток + catch-up + пул воркеров.
	queue := monitor.NewQueue(store, env.QueueCapacity)
	monitors, err := monitor.NewService(monitor.ServiceOptions{
		Store:           store,
		Processor:       a.pipeline,
		Reader:          tgMgr,
		Queue:           queue,
		Workers:         env.Workers,
		CatchupInterval: time.Duration(env.CatchupIntervalSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init monitor service: %w", err)
	}
	a.monitors = monitors
	tgMgr.AddNewMessageHandler(monitors.HandleNewMessage)

	// 7) Веб-сервер администратора.
	a.webSrv = web.NewServer(env.WebServerAddress, web.Deps{
		Session:   tgMgr,
		Store:     store,
		Processor: a.pipeline,
		Monitors:  monitors,
		Reference: mapper,
		AuthToken: env.WebAuthToken,
	})

	a.runner = NewRunner(a.mainCtx, a.mainCancel, tgMgr, monitors, a.webSrv)
	return a.runner.Run()
}
