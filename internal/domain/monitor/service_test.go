package monitor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"receiptbot/internal/domain/monitor"
	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"

	"github.com/shopspring/decimal"
)

func sampleTransaction(chatID, messageID int64) *txstore.Transaction {
	return &txstore.Transaction{
		RawMessage:      privateReceipt,
		SourceType:      txstore.SourceAuto,
		SourceChatID:    chatID,
		SourceMessageID: messageID,
		Amount:          decimal.RequireFromString("-351750"),
		Type:            txstore.TypeDebit,
		ParsingMethod:   txstore.MethodGPT,
		Fingerprint:     fmt.Sprintf("test-fp-%d-%d", chatID, messageID),
	}
}

// stubReader отдаёт заранее заданную историю чата, новые сообщения первыми.
type stubReader struct {
	latest int64
	msgs   []*receipts.Message // отсортированы по убыванию ID
}

func (r *stubReader) History(_ context.Context, _ int64, fromMessageID int64, limit int) ([]*receipts.Message, error) {
	var out []*receipts.Message
	for _, m := range r.msgs {
		if fromMessageID != 0 && m.ID >= fromMessageID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *stubReader) LatestMessageID(context.Context, int64) (int64, error) {
	return r.latest, nil
}

// recordingProcessor записывает обработанные задачи и закрывает done,
// когда набирается want штук.
type recordingProcessor struct {
	store *txstore.Store
	want  int
	done  chan struct{}

	mu    sync.Mutex
	tasks []*txstore.Task
}

func (p *recordingProcessor) ProcessQueued(ctx context.Context, task *txstore.Task) {
	_ = p.store.MarkTaskDone(ctx, task.ID, "")
	_ = p.store.AdvanceCursor(ctx, task.ChatID, task.MessageID)

	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	n := len(p.tasks)
	p.mu.Unlock()
	if n == p.want {
		close(p.done)
	}
}

func (p *recordingProcessor) messageIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.tasks))
	for _, task := range p.tasks {
		ids = append(ids, task.MessageID)
	}
	return ids
}

func receiptMessages(chatID int64, ids ...int64) []*receipts.Message {
	msgs := make([]*receipts.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		msgs = append(msgs, &receipts.Message{ChatID: chatID, ID: ids[i], Text: privateReceipt})
	}
	return msgs
}

func TestServiceRegisterStartFromLatest(t *testing.T) {
	t.Parallel()

	store := newQueueStore(t)
	reader := &stubReader{latest: 42}
	svc, err := monitor.NewService(monitor.ServiceOptions{
		Store:     store,
		Processor: &recordingProcessor{store: store, done: make(chan struct{})},
		Reader:    reader,
		Queue:     monitor.NewQueue(store, 4),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	if err := svc.Register(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}, true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m, err := store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if m.Cursor != 42 {
		t.Fatalf("cursor = %d, want seeded 42", m.Cursor)
	}

	// Перерегистрация с start_from_latest пересеивает курсор существующей
	// записи: оператор просит пропустить накопившуюся историю.
	reader.latest = 50
	if err := svc.Register(ctx, &txstore.Monitor{ChatID: 100, Enabled: true, Title: "renamed"}, true); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	m, err = store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if m.Cursor != 50 {
		t.Fatalf("cursor after re-register = %d, want re-seeded 50", m.Cursor)
	}
	if m.Title != "renamed" {
		t.Fatalf("title = %q, want renamed", m.Title)
	}

	// Без start_from_latest курсор существующей записи сохраняется.
	reader.latest = 90
	if err := svc.Register(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}, false); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	m, err = store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if m.Cursor != 50 {
		t.Fatalf("cursor without start_from_latest = %d, want 50", m.Cursor)
	}

	// Пересеивание монотонно: последнее сообщение старше курсора его не откатит.
	reader.latest = 10
	if err := svc.Register(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}, true); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	m, err = store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if m.Cursor != 50 {
		t.Fatalf("cursor after stale re-seed = %d, want 50", m.Cursor)
	}
}

func TestServiceHandleNewMessage(t *testing.T) {
	t.Parallel()

	store := newQueueStore(t)
	queue := monitor.NewQueue(store, 4)
	svc, err := monitor.NewService(monitor.ServiceOptions{
		Store:     store,
		Processor: &recordingProcessor{store: store, done: make(chan struct{})},
		Reader:    &stubReader{},
		Queue:     queue,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 200, Enabled: false}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}

	svc.HandleNewMessage(ctx, &receipts.Message{ChatID: 100, ID: 1, Text: privateReceipt})
	if queue.Size() != 1 {
		t.Fatalf("queue size = %d, want 1 after live enqueue", queue.Size())
	}

	// Выключенный монитор и незнакомый чат игнорируются.
	svc.HandleNewMessage(ctx, &receipts.Message{ChatID: 200, ID: 2, Text: privateReceipt})
	svc.HandleNewMessage(ctx, &receipts.Message{ChatID: 300, ID: 3, Text: privateReceipt})
	if queue.Size() != 1 {
		t.Fatalf("queue size = %d, want still 1", queue.Size())
	}
}

func TestServiceCatchupEnqueuesAscending(t *testing.T) {
	t.Parallel()

	store := newQueueStore(t)
	proc := &recordingProcessor{store: store, want: 4, done: make(chan struct{})}
	svc, err := monitor.NewService(monitor.ServiceOptions{
		Store:     store,
		Processor: proc,
		Reader:    &stubReader{msgs: receiptMessages(100, 1, 2, 3, 4, 5, 6)},
		Queue:     monitor.NewQueue(store, 16),
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true, Cursor: 2}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}

	svc.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(closeCtx)
	}()

	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: processed %v", proc.messageIDs())
	}

	got := proc.messageIDs()
	want := []int64{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("processed ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processed ids = %v, want ascending %v", got, want)
		}
	}
}
