// Файл runner.go — точка оркестрации жизненного цикла: сервисы стартуют
// в правильном порядке и гасятся в обратном. Веб-сервер поднимается до
// авторизации (через него администратор и проводит вход), захват — только
// после готовности сессии, а MTProto-движок гасится последним, когда
// очередь уже слита.
package app

import (
	"context"
	"sync"
	"time"

	"receiptbot/internal/domain/monitor"
	"receiptbot/internal/infra/logger"
	"receiptbot/internal/telegram"
	"receiptbot/internal/web"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Runner инкапсулирует сценарий запуска и остановки чат-сессии и связанных
// подсистем: веб-сервера, сервиса захвата и самого клиента.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по сигналам.
	mainCancel context.CancelFunc // Инициирует общий shutdown.

	tg       *telegram.Manager
	monitors *monitor.Service
	webSrv   *web.Server

	stopOnce sync.Once
}

const (
	webServerShutdownTimeout = 10 * time.Second
	monitorDrainTimeout      = 30 * time.Second
)

// NewRunner подготавливает Runner с собранными подсистемами.
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	tg *telegram.Manager,
	monitors *monitor.Service,
	webSrv *web.Server,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		tg:         tg,
		monitors:   monitors,
		webSrv:     webSrv,
	}
}

// Run — главный цикл приложения. Блокируется до завершения клиента.
// Клиентский контекст отделён от mainCtx: по сигналу сначала гасятся
// сервисы поверх сессии, и только затем отменяется сам клиент.
func (r *Runner) Run() error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("shutdown signal received, stopping runner")
		r.stopAllServices()
		clientCancel()
	})

	// Веб-сервер стартует до авторизации: эндпоинты /api/tg/auth/* — это
	// единственный путь провести вход при пустой сессии.
	go func() {
		if err := r.webSrv.Start(); err != nil {
			logger.Error("web server stopped", zap.Error(err))
			r.mainCancel()
		}
	}()

	// Захват ждёт готовую сессию: catch-up без авторизации бессмысленен.
	go func() {
		select {
		case <-r.tg.Ready():
			r.monitors.Start(clientCtx)
			logger.Info("capture service started")
		case <-clientCtx.Done():
		}
	}()

	err := r.tg.Run(clientCtx)
	if closeErr := r.tg.Close(); closeErr != nil {
		logger.Warn("telegram manager close failed", zap.Error(closeErr))
	}
	shutdownWG.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "telegram client")
	}
	return nil
}

// stopAllServices гасит подсистемы в обратном порядке запуска: сначала
// захват (производители и воркеры, с дедлайном на слив очереди), затем
// веб-сервер. Клиент останавливает вызывающая сторона после возврата.
func (r *Runner) stopAllServices() {
	r.stopOnce.Do(func() {
		logger.Debug("stopping service capture")
		drainCtx, cancel := context.WithTimeout(context.Background(), monitorDrainTimeout)
		if err := r.monitors.Close(drainCtx); err != nil {
			logger.Warn("capture service drain incomplete", zap.Error(err))
		}
		cancel()
		logger.Debug("service capture stopped")

		logger.Debug("stopping service web_server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		if err := r.webSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("web server shutdown failed", zap.Error(err))
		}
		cancel()
		logger.Debug("service web_server stopped")
	})
}
