package monitor

import (
	"context"
	"errors"
	"sync"

	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/logger"

	"go.uber.org/zap"
)

type address struct {
	chatID    int64
	messageID int64
}

// Queue — ограниченная FIFO-очередь адресов сообщений с дедупликацией.
// In-flight множество держит адреса от постановки до конца обработки;
// долговечность обеспечивает не очередь, а таблица задач плюс идемпотентные
// вставки — потерянный при рестарте адрес catch-up поставит заново.
type Queue struct {
	store *txstore.Store
	ch    chan address

	mu       sync.Mutex
	inflight map[address]struct{}
}

// NewQueue создаёт очередь вместимостью capacity.
func NewQueue(store *txstore.Store, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		store:    store,
		ch:       make(chan address, capacity),
		inflight: make(map[address]struct{}),
	}
}

// Enqueue ставит адрес в очередь. Не делает ничего, если адрес уже в полёте
// или транзакция для него уже существует. Возвращает true, если адрес принят.
func (q *Queue) Enqueue(ctx context.Context, chatID, messageID int64) bool {
	key := address{chatID: chatID, messageID: messageID}

	q.mu.Lock()
	if _, busy := q.inflight[key]; busy {
		q.mu.Unlock()
		return false
	}
	q.inflight[key] = struct{}{}
	q.mu.Unlock()

	if _, err := q.store.FindTransactionByAddress(ctx, chatID, messageID); err == nil {
		q.release(key)
		return false
	} else if !errors.Is(err, txstore.ErrTransactionNotFound) {
		logger.Warn("queue duplicate probe failed",
			zap.Int64("chat_id", chatID), zap.Int64("message_id", messageID), zap.Error(err))
		// Проба не удалась — ставим всё равно, вставка идемпотентна.
	}

	if _, err := q.store.EnqueueTask(ctx, chatID, messageID); err != nil {
		logger.Warn("task enqueue failed",
			zap.Int64("chat_id", chatID), zap.Int64("message_id", messageID), zap.Error(err))
		q.release(key)
		return false
	}

	select {
	case q.ch <- key:
		return true
	default:
		// Очередь полна: снимаем in-flight, задача остаётся queued в базе,
		// catch-up поставит адрес на следующем круге.
		logger.Warn("work queue full, dropping",
			zap.Int64("chat_id", chatID), zap.Int64("message_id", messageID))
		q.release(key)
		return false
	}
}

// Dequeue блокируется до появления адреса или отмены контекста.
// Вызывающий обязан после обработки вызвать Done с тем же адресом.
func (q *Queue) Dequeue(ctx context.Context) (chatID, messageID int64, ok bool) {
	select {
	case <-ctx.Done():
		return 0, 0, false
	case key := <-q.ch:
		return key.chatID, key.messageID, true
	}
}

// TryDequeue забирает адрес без блокировки; используется при дренаже на
// остановке.
func (q *Queue) TryDequeue() (chatID, messageID int64, ok bool) {
	select {
	case key := <-q.ch:
		return key.chatID, key.messageID, true
	default:
		return 0, 0, false
	}
}

// Done снимает адрес с учёта после обработки, независимо от её исхода.
func (q *Queue) Done(chatID, messageID int64) {
	q.release(address{chatID: chatID, messageID: messageID})
}

// Size возвращает текущую длину очереди.
func (q *Queue) Size() int { return len(q.ch) }

func (q *Queue) release(key address) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}
