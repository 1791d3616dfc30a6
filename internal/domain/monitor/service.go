package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/logger"

	"go.uber.org/zap"
)

// Параметры цикла догона: размер порции истории и потолок порций за один
// проход по чату. 100×50 покрывает до пяти тысяч пропущенных сообщений.
const (
	catchupBatchSize  = 100
	catchupMaxBatches = 50

	minCatchupInterval = 15 * time.Second
	defaultWorkers     = 2
)

// ChatReader — доступ конвейера к истории чатов.
type ChatReader interface {
	// History возвращает до limit сообщений чата, новые первыми, начиная
	// строго перед fromMessageID; fromMessageID=0 — с последнего сообщения.
	History(ctx context.Context, chatID, fromMessageID int64, limit int) ([]*receipts.Message, error)
	// LatestMessageID возвращает id последнего сообщения чата (0 для пустого).
	LatestMessageID(ctx context.Context, chatID int64) (int64, error)
}

// Processor — часть конвейера обработки, нужная воркерам сервиса.
type Processor interface {
	ProcessQueued(ctx context.Context, task *txstore.Task)
}

// ServiceOptions — зависимости и параметры сервиса мониторинга.
type ServiceOptions struct {
	Store           *txstore.Store
	Processor       Processor
	Reader          ChatReader
	Queue           *Queue
	Workers         int
	CatchupInterval time.Duration
}

// Status — снимок состояния сервиса для HTTP-эндпоинта статуса.
type Status struct {
	Running   bool `json:"running"`
	QueueSize int  `json:"queue_size"`
	Workers   int  `json:"workers"`
}

// Service связывает живой поток сообщений, цикл догона и воркеры обработки.
// Живой обработчик и догон оба идемпотентны относительно очереди: дедупликацию
// адресов берёт на себя Queue, дубликаты содержимого — хранилище.
type Service struct {
	store     *txstore.Store
	processor Processor
	reader    ChatReader
	queue     *Queue
	workers   int
	interval  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once

	mu      sync.Mutex
	running bool
}

// NewService валидирует опции и собирает сервис. Воркеры не запускаются:
// для старта используйте Start().
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("monitor service: store is nil")
	}
	if opts.Processor == nil {
		return nil, errors.New("monitor service: processor is nil")
	}
	if opts.Reader == nil {
		return nil, errors.New("monitor service: chat reader is nil")
	}
	if opts.Queue == nil {
		return nil, errors.New("monitor service: queue is nil")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	interval := opts.CatchupInterval
	if interval < minCatchupInterval {
		interval = minCatchupInterval
	}

	return &Service{
		store:     opts.Store,
		processor: opts.Processor,
		reader:    opts.Reader,
		queue:     opts.Queue,
		workers:   workers,
		interval:  interval,
	}, nil
}

// Start запускает воркеры и цикл догона; повторный вызов безопасно
// игнорируется (runOnce). Первый проход догона выполняется сразу, чтобы
// подобрать сообщения, пропущенные за время простоя.
func (s *Service) Start(ctx context.Context) {
	s.runOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)

		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		for i := 0; i < s.workers; i++ {
			s.wg.Go(s.workerLoop)
		}
		s.wg.Go(s.catchupLoop)

		logger.Info("monitor service started",
			zap.Int("workers", s.workers),
			zap.Duration("catchup_interval", s.interval))
	})
}

// Close останавливает воркеры и цикл догона. Блокируется до завершения
// горутин или таймаута ctx. Недообработанные адреса остаются queued в базе
// и будут подняты догоном после рестарта.
func (s *Service) Close(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status возвращает компактный снимок состояния для мониторинга.
func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return Status{
		Running:   running,
		QueueSize: s.queue.Size(),
		Workers:   s.workers,
	}
}

// Register ставит чат на мониторинг. startFromLatest=true для включённого
// монитора устанавливает курсор на последнее сообщение чата — накопившаяся
// история пропускается, в том числе при перерегистрации существующей записи.
// Движение курсора при этом остаётся строго монотонным: назад он не откатится.
func (s *Service) Register(ctx context.Context, m *txstore.Monitor, startFromLatest bool) error {
	if startFromLatest && m.Enabled {
		latest, err := s.reader.LatestMessageID(ctx, m.ChatID)
		if err != nil {
			return err
		}
		m.Cursor = latest
		if err := s.store.UpsertMonitor(ctx, m); err != nil {
			return err
		}
		return s.store.AdvanceCursor(ctx, m.ChatID, latest)
	}
	return s.store.UpsertMonitor(ctx, m)
}

// HandleNewMessage — живой путь захвата: вызывается диспетчером на каждое
// входящее сообщение. Незнакомые и выключенные чаты пропускаются молча.
func (s *Service) HandleNewMessage(ctx context.Context, msg *receipts.Message) {
	m, err := s.store.GetMonitor(ctx, msg.ChatID)
	if err != nil {
		if !errors.Is(err, txstore.ErrMonitorNotFound) {
			logger.Warn("monitor lookup failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		}
		return
	}
	if !m.Enabled {
		return
	}
	if !ShouldProcess(m, msg) {
		return
	}

	if s.queue.Enqueue(ctx, msg.ChatID, msg.ID) {
		logger.Debug("live message enqueued",
			zap.Int64("chat_id", msg.ChatID), zap.Int64("message_id", msg.ID))
	}
}

// workerLoop забирает адреса из очереди и ведёт их через конвейер обработки.
func (s *Service) workerLoop() {
	for {
		chatID, messageID, ok := s.queue.Dequeue(s.ctx)
		if !ok {
			return
		}
		s.handleAddress(chatID, messageID)
	}
}

func (s *Service) handleAddress(chatID, messageID int64) {
	defer s.queue.Done(chatID, messageID)

	task, err := s.store.GetTaskByAddress(s.ctx, chatID, messageID)
	if err != nil {
		logger.Warn("task lookup failed",
			zap.Int64("chat_id", chatID), zap.Int64("message_id", messageID), zap.Error(err))
		return
	}
	s.processor.ProcessQueued(s.ctx, task)
}

// catchupLoop периодически проходит по активным мониторам и ставит в очередь
// сообщения, появившиеся мимо живого обработчика (оффлайн, рестарт,
// переполнение очереди).
func (s *Service) catchupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCatchup()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCatchup()
		}
	}
}

func (s *Service) runCatchup() {
	monitors, err := s.store.ListMonitors(s.ctx, true)
	if err != nil {
		logger.Warn("catchup: list monitors failed", zap.Error(err))
		return
	}

	for _, m := range monitors {
		if s.ctx.Err() != nil {
			return
		}
		if n := s.catchupChat(m); n > 0 {
			logger.Info("catchup enqueued messages",
				zap.Int64("chat_id", m.ChatID), zap.Int("count", n))
		}
	}
}

// catchupChat собирает необработанные сообщения одного чата: история читается
// порциями от новых к старым до курсора, кандидаты ставятся в очередь от
// старых к новым, чтобы курсор рос без дыр.
func (s *Service) catchupChat(m *txstore.Monitor) int {
	var (
		pending []int64
		fromID  int64
	)

	for batch := 0; batch < catchupMaxBatches; batch++ {
		msgs, err := s.reader.History(s.ctx, m.ChatID, fromID, catchupBatchSize)
		if err != nil {
			logger.Warn("catchup: history read failed",
				zap.Int64("chat_id", m.ChatID), zap.Error(err))
			return 0
		}
		if len(msgs) == 0 {
			break
		}

		reachedCursor := false
		for _, msg := range msgs {
			if msg.ID <= m.Cursor {
				reachedCursor = true
				break
			}
			if ShouldProcess(m, msg) {
				pending = append(pending, msg.ID)
			}
			fromID = msg.ID
		}
		if reachedCursor || len(msgs) < catchupBatchSize {
			break
		}
	}

	if len(pending) == 0 {
		return 0
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	enqueued := 0
	for _, id := range pending {
		if s.ctx.Err() != nil {
			break
		}
		if s.queue.Enqueue(s.ctx, m.ChatID, id) {
			enqueued++
		}
	}
	return enqueued
}
