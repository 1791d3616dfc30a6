package receipts_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"receiptbot/internal/domain/operators"
	"receiptbot/internal/domain/parser"
	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/db"

	"github.com/shopspring/decimal"
)

var testLoc = time.FixedZone("UTC+5", 5*3600)

const humoReceipt = "💸 Оплата\n" +
	"💳 HUMO ***6905\n" +
	"➖ 400.000,00 UZS\n" +
	"📍 OQ P2P>TASHKENT\n" +
	"🕓 12:58 05.04.2026\n" +
	"💰 535.000,40 UZS"

type addr struct {
	chat, msg int64
}

type stubSource struct {
	msgs     map[addr]*receipts.Message
	fetchErr error
}

func (s *stubSource) FetchMessage(_ context.Context, chatID, messageID int64) (*receipts.Message, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	m, ok := s.msgs[addr{chatID, messageID}]
	if !ok {
		return nil, fmt.Errorf("fetch message: %w", receipts.ErrMessageNotFound)
	}
	return m, nil
}

func (s *stubSource) DownloadDocument(context.Context, int64, int64) (string, error) {
	return "", errors.New("no documents in tests")
}

func newTestProcessor(t *testing.T, source *stubSource) (*receipts.Processor, *txstore.Store) {
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

	mapper, err := operators.NewMapper(context.Background(), store, nil, 0.75)
	if err != nil {
		t.Fatalf("init mapper: %v", err)
	}

	orch := parser.NewOrchestrator(
		parser.NewRegexParser(testLoc),
		parser.NewGPTClient("", "gpt-4o-mini", testLoc),
		0.8,
	)
	p := receipts.NewProcessor(store, orch, parser.NewPDFExtractor(false),
		mapper, source, testLoc, time.Minute)
	return p, store
}

func textMessage(chatID, messageID int64, text string) *receipts.Message {
	return &receipts.Message{ChatID: chatID, ID: messageID, Text: text}
}

func TestProcessorCreatesSignedTransaction(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{
		{100, 1}: textMessage(100, 1, humoReceipt),
	}}
	p, store := newTestProcessor(t, source)

	outcome, err := p.Process(context.Background(), 100, 1, false)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if !outcome.Created {
		t.Fatalf("outcome = %+v, want Created", outcome)
	}
	if outcome.Method != parser.MethodHumo {
		t.Fatalf("Method = %q, want %q", outcome.Method, parser.MethodHumo)
	}

	tx, err := store.GetTransaction(context.Background(), outcome.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !tx.Amount.IsNegative() {
		t.Fatalf("Amount = %s, want negative for DEBIT", tx.Amount)
	}
	if !tx.Amount.Abs().Equal(decimal.RequireFromString("400000")) {
		t.Fatalf("Amount = %s, want |400000|", tx.Amount)
	}
	if tx.CardLast4 != "6905" {
		t.Fatalf("CardLast4 = %q, want 6905", tx.CardLast4)
	}
	if tx.Type != txstore.TypeDebit {
		t.Fatalf("Type = %q, want DEBIT", tx.Type)
	}
	if !tx.IsP2P {
		t.Fatal("IsP2P = false, want true for P2P operator")
	}
	if tx.IsGPTParsed {
		t.Fatal("IsGPTParsed = true for regex parse")
	}
	if tx.Fingerprint == "" {
		t.Fatal("Fingerprint is empty")
	}
	wantDate := time.Date(2026, 4, 5, 12, 58, 0, 0, testLoc)
	if !tx.Date.Equal(wantDate) {
		t.Fatalf("Date = %s, want %s", tx.Date, wantDate)
	}
}

func TestProcessorAddressIdempotency(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{
		{100, 1}: textMessage(100, 1, humoReceipt),
	}}
	p, _ := newTestProcessor(t, source)

	first, err := p.Process(context.Background(), 100, 1, false)
	if err != nil {
		t.Fatalf("first Process() error: %v", err)
	}
	second, err := p.Process(context.Background(), 100, 1, false)
	if err != nil {
		t.Fatalf("second Process() error: %v", err)
	}
	if !second.Duplicate || second.Created {
		t.Fatalf("second outcome = %+v, want Duplicate", second)
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("TransactionID = %q, want %q", second.TransactionID, first.TransactionID)
	}
}

func TestProcessorContentDuplicateAcrossChats(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{
		{100, 1}: textMessage(100, 1, humoReceipt),
		{200, 7}: textMessage(200, 7, humoReceipt),
	}}
	p, _ := newTestProcessor(t, source)

	first, err := p.Process(context.Background(), 100, 1, false)
	if err != nil {
		t.Fatalf("first Process() error: %v", err)
	}
	second, err := p.Process(context.Background(), 200, 7, false)
	if err != nil {
		t.Fatalf("second Process() error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("second outcome = %+v, want content duplicate", second)
	}
	if second.TransactionID != first.TransactionID {
		t.Fatalf("TransactionID = %q, want winner %q", second.TransactionID, first.TransactionID)
	}
}

func TestProcessorForceKeepsFingerprintProbe(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{
		{100, 1}: textMessage(100, 1, humoReceipt),
	}}
	p, _ := newTestProcessor(t, source)

	first, err := p.Process(context.Background(), 100, 1, false)
	if err != nil {
		t.Fatalf("first Process() error: %v", err)
	}
	forced, err := p.Process(context.Background(), 100, 1, true)
	if err != nil {
		t.Fatalf("forced Process() error: %v", err)
	}
	if !forced.Duplicate {
		t.Fatalf("forced outcome = %+v, want fingerprint duplicate", forced)
	}
	if forced.TransactionID != first.TransactionID {
		t.Fatalf("TransactionID = %q, want %q", forced.TransactionID, first.TransactionID)
	}
}

func TestProcessorMissingMessage(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{}}
	p, _ := newTestProcessor(t, source)

	_, err := p.Process(context.Background(), 100, 99, false)
	if !errors.Is(err, receipts.ErrMessageNotFound) {
		t.Fatalf("Process() error = %v, want ErrMessageNotFound", err)
	}
}

func TestProcessQueuedSuccessAdvancesCursor(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{
		{100, 5}: textMessage(100, 5, humoReceipt),
	}}
	p, store := newTestProcessor(t, source)

	ctx := context.Background()
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	task, err := store.EnqueueTask(ctx, 100, 5)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	p.ProcessQueued(ctx, task)

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != txstore.TaskDone {
		t.Fatalf("task status = %q, want done (error=%q)", got.Status, got.Error)
	}
	if got.TransactionID == "" {
		t.Fatal("task has no transaction id")
	}

	monitor, err := store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if monitor.Cursor != 5 {
		t.Fatalf("cursor = %d, want 5", monitor.Cursor)
	}
	if monitor.LastError != "" {
		t.Fatalf("last error = %q, want empty", monitor.LastError)
	}
}

func TestProcessQueuedPermanentFailureAdvancesCursor(t *testing.T) {
	t.Parallel()

	source := &stubSource{msgs: map[addr]*receipts.Message{
		{100, 6}: textMessage(100, 6, "привет, это не чек"),
	}}
	p, store := newTestProcessor(t, source)

	ctx := context.Background()
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	task, err := store.EnqueueTask(ctx, 100, 6)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	p.ProcessQueued(ctx, task)

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != txstore.TaskFailed {
		t.Fatalf("task status = %q, want failed", got.Status)
	}

	monitor, err := store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if monitor.Cursor != 6 {
		t.Fatalf("cursor = %d, want 6 after permanent failure", monitor.Cursor)
	}
	if monitor.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestProcessQueuedTransientFailureKeepsCursor(t *testing.T) {
	t.Parallel()

	source := &stubSource{fetchErr: errors.New("connection reset by peer")}
	p, store := newTestProcessor(t, source)

	ctx := context.Background()
	if err := store.UpsertMonitor(ctx, &txstore.Monitor{ChatID: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertMonitor: %v", err)
	}
	task, err := store.EnqueueTask(ctx, 100, 7)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	p.ProcessQueued(ctx, task)

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != txstore.TaskFailed {
		t.Fatalf("task status = %q, want failed", got.Status)
	}

	monitor, err := store.GetMonitor(ctx, 100)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if monitor.Cursor != 0 {
		t.Fatalf("cursor = %d, want 0 after transient failure", monitor.Cursor)
	}
}
