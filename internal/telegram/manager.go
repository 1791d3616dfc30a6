// Package telegram — менеджер чат-сессии поверх gotd: единственный
// авторизованный аккаунт, машина состояний авторизации, каталог чатов,
// чтение истории и скачивание вложений для конвейера чеков.
// Авторизация управляется не терминалом, а HTTP-эндпоинтами: шаги
// телефон → код → пароль приходят от администратора через веб-слой.
package telegram

import (
	"context"
	"sync"
	"time"

	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/infra/logger"
	"receiptbot/internal/infra/storage"
	"receiptbot/internal/infra/telegram/peersmgr"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// ErrNotRunning возвращается, когда клиент ещё не запущен или уже остановлен.
var ErrNotRunning = errors.New("telegram client is not running")

// NewMessageHandler — обработчик входящего сообщения. Вызывается в отдельной
// горутине и не должен блокировать приём апдейтов дольше своей работы.
type NewMessageHandler func(ctx context.Context, msg *receipts.Message)

// Options — параметры менеджера чат-сессии.
type Options struct {
	APIID       int
	APIHash     string
	SessionFile string
	StateFile   string
	PeersFile   string
	FilesDir    string
	ThrottleRPS int
	TestDC      bool
}

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиент ↔ менеджер апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// Manager владеет MTProto-клиентом и всем, что вокруг него: сессией,
// кэшем пиров, менеджером апдейтов и машиной состояний авторизации.
// Все публичные методы потокобезопасны.
type Manager struct {
	opts    Options
	session *SessionStorage
	client  *telegram.Client
	api     *tg.Client
	waiter  *floodwait.Waiter
	peers   *peersmgr.Service
	updMgr  *tgupdates.Manager
	stateDB *bbolt.DB

	mu       sync.Mutex
	state    AuthState
	phone    string
	codeHash string
	codeMeta *CodeMeta
	self     *tg.User
	runCtx   context.Context

	loginOnce  sync.Once
	authorized chan struct{}

	handlersMu sync.RWMutex
	handlers   []NewMessageHandler

	updatesWG     sync.WaitGroup
	updatesCancel context.CancelFunc
}

// NewManager собирает клиент gotd и сопутствующие сервисы, не открывая
// сетевых соединений. Для запуска используйте Run.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		opts:       opts,
		session:    &SessionStorage{Path: opts.SessionFile},
		state:      StateConnecting,
		authorized: make(chan struct{}),
	}

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	m.waiter = floodwait.NewWaiter()

	options := telegram.Options{
		SessionStorage: m.session,
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			m.waiter,
			ratelimit.New(
				rate.Limit(opts.ThrottleRPS),
				opts.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		OnDead: func() {
			m.markDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "receiptbot",
		},
	}
	if opts.TestDC {
		options.DCList = dcs.Test()
	}

	m.client = telegram.NewClient(opts.APIID, opts.APIHash, options)
	m.api = m.client.API()

	peersSvc, err := peersmgr.New(m.api, opts.PeersFile)
	if err != nil {
		return nil, errors.Wrap(err, "init peers manager")
	}
	m.peers = peersSvc

	if err = storage.EnsureDir(opts.StateFile); err != nil {
		_ = peersSvc.Close()
		return nil, errors.Wrap(err, "ensure state file dir")
	}
	stateDB, err := bbolt.Open(opts.StateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		_ = peersSvc.Close()
		return nil, errors.Wrap(err, "open state storage")
	}
	m.stateDB = stateDB

	m.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      boltstor.NewStateStorage(stateDB),
		AccessHasher: peersSvc.Mgr,
	})
	lazyHandler.set(contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(m.updMgr), peersSvc.Store()))

	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return m.onNewMessage(ctx, e, u.Message)
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return m.onNewMessage(ctx, e, u.Message)
	})

	return m, nil
}

// AddNewMessageHandler регистрирует обработчик входящих сообщений.
// Регистрация до Run безопасна; порядок вызова обработчиков не определён.
func (m *Manager) AddNewMessageHandler(h NewMessageHandler) {
	if h == nil {
		return
	}
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlersMu.Unlock()
}

// Run держит MTProto-соединение до отмены контекста. Если сохранённая сессия
// валидна — сразу переходит в ready и запускает менеджер апдейтов; иначе
// остаётся в wait_phone_number и ждёт, пока администратор проведёт
// авторизацию через веб-слой.
func (m *Manager) Run(ctx context.Context) error {
	return m.waiter.Run(ctx, func(ctx context.Context) error {
		return m.client.Run(ctx, func(ctx context.Context) error {
			m.setRunCtx(ctx)
			defer m.teardown()

			status, err := m.client.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if status.Authorized {
				m.finishLogin(ctx)
			} else {
				m.setState(StateWaitPhone)
				logger.Info("telegram session is not authorized, waiting for admin to sign in")
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.authorized:
			}

			if err = m.afterLogin(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return ctx.Err()
		})
	})
}

// afterLogin поднимает сервисы, которым нужна авторизованная сессия:
// кэш пиров и менеджер апдейтов.
func (m *Manager) afterLogin(ctx context.Context) error {
	if err := m.peers.Mgr.Init(ctx); err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	if err := m.peers.LoadFromStorage(ctx); err != nil {
		logger.Warn("load peers from storage failed", zap.Error(err))
	}
	if len(m.peers.Chats()) == 0 {
		if err := m.peers.RefreshChats(ctx); err != nil {
			logger.Warn("initial chat directory refresh failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	self := m.self
	m.mu.Unlock()
	if self == nil {
		return errors.New("self user is not cached after login")
	}

	updatesCtx, cancel := context.WithCancel(ctx)
	m.updatesCancel = cancel
	m.updatesWG.Go(func() {
		err := m.updMgr.Run(updatesCtx, m.api, self.ID, tgupdates.AuthOptions{})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("updates manager stopped", zap.Error(err))
		}
	})
	logger.Info("telegram manager ready",
		zap.Int64("self_id", self.ID), zap.String("username", self.Username))
	return nil
}

func (m *Manager) teardown() {
	m.setState(StateClosing)
	if m.updatesCancel != nil {
		m.updatesCancel()
	}
	m.updatesWG.Wait()

	m.mu.Lock()
	m.runCtx = nil
	m.mu.Unlock()
	m.setState(StateClosed)
}

// Close освобождает локальные ресурсы менеджера после завершения Run.
func (m *Manager) Close() error {
	var firstErr error
	if m.peers != nil {
		if err := m.peers.Close(); err != nil {
			firstErr = err
		}
	}
	if m.stateDB != nil {
		if err := m.stateDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// running возвращает контекст работающего клиента или ErrNotRunning.
func (m *Manager) running() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil || m.runCtx.Err() != nil {
		return nil, ErrNotRunning
	}
	return m.runCtx, nil
}

func (m *Manager) setRunCtx(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) markDisconnected() {
	m.mu.Lock()
	if m.state == StateReady {
		m.state = StateConnecting
	}
	m.mu.Unlock()
	logger.Warn("telegram connection marked dead, reconnecting")
}

// onNewMessage — общий вход live-потока: пополняет кэш пиров сущностями
// апдейта и раздаёт сообщение зарегистрированным обработчикам. Обработчики
// выполняются в горутинах, чтобы не блокировать приём апдейтов.
func (m *Manager) onNewMessage(ctx context.Context, e tg.Entities, msg tg.MessageClass) error {
	if err := m.peers.ApplyEntities(ctx, e); err != nil {
		logger.Debug("apply update entities failed", zap.Error(err))
	}

	message, ok := msg.(*tg.Message)
	if !ok || message.Out {
		return nil
	}

	converted := pipelineMessage(message)
	if converted == nil {
		return nil
	}

	m.handlersMu.RLock()
	handlers := make([]NewMessageHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		go h(ctx, converted)
	}
	return nil
}

// Peers отдаёт сервис пиров (каталог чатов, резолвинг input peer).
func (m *Manager) Peers() *peersmgr.Service { return m.peers }

// Ready возвращает канал, закрывающийся после успешной авторизации.
// Сервисы, которым нужна готовая сессия, ждут его перед стартом.
func (m *Manager) Ready() <-chan struct{} { return m.authorized }

// withTimeout ограничивает RPC-вызов дедлайном, не переживающим runCtx.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
