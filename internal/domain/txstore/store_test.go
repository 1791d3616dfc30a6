package txstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/db"

	"github.com/shopspring/decimal"
)

func newStore(t *testing.T) *txstore.Store {
	t.Helper()

	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	store, err := txstore.New(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func autoTransaction(chatID, messageID int64, fingerprint string) *txstore.Transaction {
	return &txstore.Transaction{
		RawMessage:      "test receipt",
		SourceType:      txstore.SourceAuto,
		SourceChatID:    chatID,
		SourceMessageID: messageID,
		Date:            time.Date(2026, 8, 21, 14, 5, 0, 0, time.UTC),
		Amount:          decimal.RequireFromString("-351750"),
		Type:            txstore.TypeDebit,
		ParsingMethod:   txstore.MethodGPT,
		Fingerprint:     fingerprint,
	}
}

func TestCursorAdvanceIsMonotone(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if err := store.AdvanceCursor(ctx, 100, 10); err != nil {
		t.Fatalf("AdvanceCursor(10): %v", err)
	}
	// Запоздавшее подтверждение старого сообщения курсор не откатывает.
	if err := store.AdvanceCursor(ctx, 100, 5); err != nil {
		t.Fatalf("AdvanceCursor(5): %v", err)
	}

	m, err := store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if m.Cursor != 10 {
		t.Fatalf("cursor = %d, want 10", m.Cursor)
	}
}

func TestUpsertMonitorKeepsCursor(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true, Cursor: 42}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: false, Cursor: 0, Title: "renamed"}); err != nil {
		t.Fatalf("second UpsertMonitor: %v", err)
	}

	m, err := store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if m.Cursor != 42 {
		t.Fatalf("cursor = %d, want preserved 42", m.Cursor)
	}
	if m.Enabled {
		t.Fatal("Enabled = true, want updated false")
	}
	if m.Title != "renamed" {
		t.Fatalf("Title = %q, want renamed", m.Title)
	}
}

func TestInsertTransactionAddressConflictReconciles(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	first, err := store.InsertTransaction(ctx, autoTransaction(100, 1, "fp-a"))
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !first.Created {
		t.Fatal("first insert: Created = false")
	}

	second, err := store.InsertTransaction(ctx, autoTransaction(100, 1, "fp-b"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.Created {
		t.Fatal("second insert: Created = true, want reconcile")
	}
	if second.ID != first.ID {
		t.Fatalf("second insert ID = %q, want winner %q", second.ID, first.ID)
	}
}

func TestInsertTransactionFingerprintConflictReconciles(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	first, err := store.InsertTransaction(ctx, autoTransaction(100, 1, "fp-same"))
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second, err := store.InsertTransaction(ctx, autoTransaction(200, 7, "fp-same"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.Created {
		t.Fatal("second insert: Created = true, want content duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("second insert ID = %q, want winner %q", second.ID, first.ID)
	}
}

func TestInsertManualTransactionsWithoutAddress(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	manual := func(fp string) *txstore.Transaction {
		return &txstore.Transaction{
			RawMessage:    "manual entry",
			SourceType:    txstore.SourceManual,
			Amount:        decimal.RequireFromString("100"),
			Type:          txstore.TypeCredit,
			ParsingMethod: txstore.MethodManual,
			Fingerprint:   fp,
		}
	}

	// Две ручные записи без адреса источника не конфликтуют между собой:
	// NULL-адреса не участвуют в UNIQUE.
	first, err := store.InsertTransaction(ctx, manual("fp-m1"))
	if err != nil {
		t.Fatalf("first manual insert: %v", err)
	}
	second, err := store.InsertTransaction(ctx, manual("fp-m2"))
	if err != nil {
		t.Fatalf("second manual insert: %v", err)
	}
	if !first.Created || !second.Created {
		t.Fatalf("manual inserts = (%v, %v), want both created", first.Created, second.Created)
	}
}

func TestEnqueueTaskRequeuesFailed(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	task, err := store.EnqueueTask(ctx, 100, 1)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if err := store.MarkTaskFailed(ctx, task.ID, "transient failure"); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}

	requeued, err := store.EnqueueTask(ctx, 100, 1)
	if err != nil {
		t.Fatalf("re-EnqueueTask: %v", err)
	}
	if requeued.ID != task.ID {
		t.Fatalf("requeued ID = %q, want same task %q", requeued.ID, task.ID)
	}
	if requeued.Status != txstore.TaskQueued {
		t.Fatalf("requeued status = %q, want queued", requeued.Status)
	}
	if requeued.Error != "" {
		t.Fatalf("requeued error = %q, want cleared", requeued.Error)
	}
}

func TestEnqueueTaskDoesNotRequeueDone(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	task, err := store.EnqueueTask(ctx, 100, 1)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	res, err := store.InsertTransaction(ctx, autoTransaction(100, 1, "fp-done"))
	if err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
	if err := store.MarkTaskDone(ctx, task.ID, res.ID); err != nil {
		t.Fatalf("MarkTaskDone: %v", err)
	}

	again, err := store.EnqueueTask(ctx, 100, 1)
	if err != nil {
		t.Fatalf("re-EnqueueTask: %v", err)
	}
	if again.Status != txstore.TaskDone {
		t.Fatalf("status = %q, want done preserved", again.Status)
	}
	if again.TransactionID != res.ID {
		t.Fatalf("transaction id = %q, want %q", again.TransactionID, res.ID)
	}
}

func TestListTransactionsDateFilter(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	mk := func(msgID int64, day int, fp string) *txstore.Transaction {
		tx := autoTransaction(100, msgID, fp)
		tx.Date = time.Date(2026, 8, day, 12, 0, 0, 0, time.UTC)
		return tx
	}
	for i, tx := range []*txstore.Transaction{
		mk(1, 10, "fp-1"), mk(2, 20, "fp-2"), mk(3, 25, "fp-3"),
	} {
		if _, err := store.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	list, err := store.ListTransactions(ctx, txstore.TransactionFilter{
		From: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].SourceMessageID != 2 {
		t.Fatalf("message id = %d, want 2", list[0].SourceMessageID)
	}
}

func TestSummarizeAggregatesAbsoluteVolumes(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	debit := autoTransaction(100, 1, "fp-d")
	debit.Application = "Payme"
	credit := autoTransaction(100, 2, "fp-c")
	credit.Amount = decimal.RequireFromString("150000")
	credit.Type = txstore.TypeCredit
	credit.Application = "Payme"

	for _, tx := range []*txstore.Transaction{debit, credit} {
		if _, err := store.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sum, err := store.Summarize(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Count != 2 {
		t.Fatalf("Count = %d, want 2", sum.Count)
	}
	if want := decimal.RequireFromString("501750"); !sum.TotalVolume.Equal(want) {
		t.Fatalf("TotalVolume = %s, want %s", sum.TotalVolume, want)
	}
	if len(sum.ByApplication) != 1 || sum.ByApplication[0].Application != "Payme" {
		t.Fatalf("ByApplication = %#v, want single Payme bucket", sum.ByApplication)
	}
}

func TestGetMonitorNotFound(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.GetMonitor(context.Background(), 999)
	if !errors.Is(err, txstore.ErrMonitorNotFound) {
		t.Fatalf("GetMonitor error = %v, want ErrMonitorNotFound", err)
	}
}
