package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"receiptbot/internal/domain/monitor"
	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/config"
	"receiptbot/internal/infra/db"
	"receiptbot/internal/telegram"
	"receiptbot/internal/web"

	"github.com/shopspring/decimal"
)

type stubSession struct {
	state telegram.AuthStatus
	phone string
}

func (s *stubSession) GetAuthState() telegram.AuthStatus { return s.state }

func (s *stubSession) SetPhoneNumber(_ context.Context, phone string) error {
	s.phone = phone
	s.state.State = telegram.StateWaitCode
	return nil
}

func (s *stubSession) CheckCode(context.Context, string) error {
	s.state.State = telegram.StateReady
	s.state.IsAuthorized = true
	return nil
}

func (s *stubSession) CheckPassword(context.Context, string) error { return nil }
func (s *stubSession) ResendCode(context.Context) error            { return nil }
func (s *stubSession) Logout(context.Context) error                { return nil }

func (s *stubSession) ListChats(context.Context, telegram.ChatFilter) ([]telegram.ChatInfo, int, error) {
	return []telegram.ChatInfo{}, 0, nil
}

func (s *stubSession) RefreshChats(context.Context) error { return nil }

func (s *stubSession) ListMessages(context.Context, int64, int64, int, bool) ([]*telegram.Message, error) {
	return nil, nil
}

func (s *stubSession) SendMessage(context.Context, int64, string) error { return nil }

func (s *stubSession) SendDocument(context.Context, int64, string, string) error { return nil }

type stubProcessor struct {
	outcome *receipts.Outcome
	err     error
}

func (p *stubProcessor) Process(context.Context, int64, int64, bool) (*receipts.Outcome, error) {
	return p.outcome, p.err
}

// stubMonitors пишет монитор в хранилище, как это делает реальный сервис.
type stubMonitors struct {
	store  *txstore.Store
	status monitor.Status
}

func (m *stubMonitors) Register(ctx context.Context, mon *txstore.Monitor, _ bool) error {
	return m.store.UpsertMonitor(ctx, mon)
}

func (m *stubMonitors) Status() monitor.Status { return m.status }

type stubReference struct{ refreshed int }

func (r *stubReference) RefreshCache(context.Context) error {
	r.refreshed++
	return nil
}

type testEnv struct {
	store     *txstore.Store
	session   *stubSession
	processor *stubProcessor
	reference *stubReference
	handler   http.Handler
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	config.ChatLocation = time.UTC

	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	store, err := txstore.New(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	env := &testEnv{
		store:     store,
		session:   &stubSession{state: telegram.AuthStatus{State: telegram.StateWaitPhone}},
		processor: &stubProcessor{},
		reference: &stubReference{},
	}
	srv := web.NewServer("127.0.0.1:0", web.Deps{
		Session:   env.session,
		Store:     store,
		Processor: env.processor,
		Monitors:  &stubMonitors{store: store, status: monitor.Status{Running: true, Workers: 2}},
		Reference: env.reference,
		AuthToken: token,
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")

	rec := env.do(t, http.MethodGet, "/api/tg/monitors", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tg/monitors", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}

	// /health всегда открыт.
	rec = env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestAuthFlowEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/tg/auth/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auth state status = %d, want 200", rec.Code)
	}
	var state struct {
		State string `json:"state"`
	}
	decodeJSON(t, rec, &state)
	if state.State != "wait_phone_number" {
		t.Fatalf("state = %q, want wait_phone_number", state.State)
	}

	rec = env.do(t, http.MethodPost, "/api/tg/auth/phone", map[string]string{"phone": "+998901112233"})
	if rec.Code != http.StatusOK {
		t.Fatalf("auth phone status = %d, want 200", rec.Code)
	}
	decodeJSON(t, rec, &state)
	if state.State != "wait_code" {
		t.Fatalf("state after phone = %q, want wait_code", state.State)
	}
	if env.session.phone != "+998901112233" {
		t.Fatalf("session phone = %q, want +998901112233", env.session.phone)
	}

	rec = env.do(t, http.MethodPost, "/api/tg/auth/phone", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty phone status = %d, want 400", rec.Code)
	}
}

func TestMonitorEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPut, "/api/tg/monitors/100", map[string]any{
		"enabled":         true,
		"filter_mode":     "whitelist",
		"filter_keywords": `["pokupka"]`,
		"title":           "Humo alerts",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}
	var mon struct {
		ChatID     int64  `json:"chat_id"`
		Enabled    bool   `json:"enabled"`
		FilterMode string `json:"filter_mode"`
	}
	decodeJSON(t, rec, &mon)
	if mon.ChatID != 100 || !mon.Enabled || mon.FilterMode != "whitelist" {
		t.Fatalf("monitor = %+v, want chat 100 enabled whitelist", mon)
	}

	rec = env.do(t, http.MethodPut, "/api/tg/monitors/100", map[string]any{
		"enabled":     true,
		"filter_mode": "bogus",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus filter_mode status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/tg/monitors", nil)
	var list struct {
		Monitors []json.RawMessage `json:"monitors"`
	}
	decodeJSON(t, rec, &list)
	if len(list.Monitors) != 1 {
		t.Fatalf("len(monitors) = %d, want 1", len(list.Monitors))
	}

	rec = env.do(t, http.MethodGet, "/api/tg/monitor/status", nil)
	var status struct {
		Running bool `json:"running"`
		Workers int  `json:"workers"`
	}
	decodeJSON(t, rec, &status)
	if !status.Running || status.Workers != 2 {
		t.Fatalf("status = %+v, want running with 2 workers", status)
	}

	rec = env.do(t, http.MethodDelete, "/api/tg/monitors/100", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
}

func TestProcessReceiptEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.processor.outcome = &receipts.Outcome{
		Created:       true,
		TransactionID: "tx-1",
		Method:        txstore.MethodGPT,
		Confidence:    0.9,
	}

	rec := env.do(t, http.MethodPost, "/api/process-receipt", map[string]any{
		"chat_id":    100,
		"message_id": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Created     bool   `json:"created"`
		Transaction string `json:"transaction"`
		Parsing     struct {
			Method string `json:"method"`
		} `json:"parsing"`
	}
	decodeJSON(t, rec, &resp)
	if !resp.Created || resp.Transaction != "tx-1" || resp.Parsing.Method != txstore.MethodGPT {
		t.Fatalf("response = %+v, want created tx-1 via GPT", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/process-receipt", map[string]any{"chat_id": 100})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing message_id status = %d, want 400", rec.Code)
	}
}

func TestProcessedStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	tx := &txstore.Transaction{
		RawMessage:      "r",
		SourceType:      txstore.SourceAuto,
		SourceChatID:    100,
		SourceMessageID: 7,
		Amount:          decimal.RequireFromString("-100"),
		Type:            txstore.TypeDebit,
		ParsingMethod:   txstore.MethodGPT,
		Fingerprint:     "fp-ps",
	}
	if _, err := env.store.InsertTransaction(ctx, tx); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/processed-status?chat_id=100&message_ids=7,8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Processed map[string]bool `json:"processed"`
	}
	decodeJSON(t, rec, &resp)
	if !resp.Processed["7"] || resp.Processed["8"] {
		t.Fatalf("processed = %v, want 7 true and 8 false", resp.Processed)
	}
}

func TestReferenceCRUDAndImport(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/reference", map[string]any{
		"operator_name":    "PAYNET",
		"application_name": "Paynet",
		"is_p2p":           false,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec, &created)
	if created.ID == 0 {
		t.Fatal("created reference id = 0")
	}
	if env.reference.refreshed != 1 {
		t.Fatalf("cache refreshes = %d, want 1", env.reference.refreshed)
	}

	// CSV: одна новая строка, одна правка существующей.
	var csvBody bytes.Buffer
	writer := multipart.NewWriter(&csvBody)
	part, err := writer.CreateFormFile("file", "reference.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("operator_name,application_name,is_p2p,is_active\n" +
		"PAYNET,Paynet,true,true\n" +
		"CLICK P2P,Click,true,true\n"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/reference/import", &csvBody)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", recorder.Code, recorder.Body.String())
	}
	var imported struct {
		Created int `json:"created"`
		Updated int `json:"updated"`
		Skipped int `json:"skipped"`
	}
	decodeJSON(t, recorder, &imported)
	if imported.Created != 1 || imported.Updated != 1 || imported.Skipped != 0 {
		t.Fatalf("import = %+v, want 1 created, 1 updated", imported)
	}

	rec = env.do(t, http.MethodGet, "/api/reference/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "CLICK P2P,Click,true,true") {
		t.Fatalf("export body %q misses imported row", body)
	}
}

func TestTransactionEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	tx := &txstore.Transaction{
		RawMessage:      "r",
		SourceType:      txstore.SourceAuto,
		SourceChatID:    100,
		SourceMessageID: 1,
		Date:            time.Date(2026, 8, 21, 14, 5, 0, 0, time.UTC),
		Amount:          decimal.RequireFromString("-351750"),
		Type:            txstore.TypeDebit,
		ParsingMethod:   txstore.MethodGPT,
		Fingerprint:     "fp-tx",
	}
	res, err := env.store.InsertTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/transactions?from=2026-08-01&to=2026-08-31", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Transactions []struct {
			ID string `json:"id"`
		} `json:"transactions"`
	}
	decodeJSON(t, rec, &list)
	if len(list.Transactions) != 1 || list.Transactions[0].ID != res.ID {
		t.Fatalf("list = %+v, want single %s", list.Transactions, res.ID)
	}

	rec = env.do(t, http.MethodPatch, "/api/transactions/"+res.ID, map[string]any{
		"application": "Payme",
		"is_p2p":      true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	var updated struct {
		Application string `json:"application"`
		IsP2P       bool   `json:"is_p2p"`
	}
	decodeJSON(t, rec, &updated)
	if updated.Application != "Payme" || !updated.IsP2P {
		t.Fatalf("updated = %+v, want Payme p2p", updated)
	}

	rec = env.do(t, http.MethodPatch, "/api/transactions/"+res.ID, map[string]any{"type": "WRONG"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid type status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/transactions?from=bad-date", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/transactions/bulk-delete", map[string]any{
		"ids": []string{res.ID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk delete status = %d: %s", rec.Code, rec.Body.String())
	}
	var deleted struct {
		Deleted int64 `json:"deleted"`
	}
	decodeJSON(t, rec, &deleted)
	if deleted.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted.Deleted)
	}
}

func TestAnalyticsSummaryEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	for i, amount := range []string{"-351750", "150000"} {
		tx := &txstore.Transaction{
			RawMessage:      "r",
			SourceType:      txstore.SourceAuto,
			SourceChatID:    100,
			SourceMessageID: int64(i + 1),
			Date:            time.Date(2026, 8, 21, 14, 5, 0, 0, time.UTC),
			Amount:          decimal.RequireFromString(amount),
			Type:            txstore.TypeDebit,
			Application:     "Payme",
			ParsingMethod:   txstore.MethodGPT,
			Fingerprint:     "fp-sum-" + amount,
		}
		if i == 1 {
			tx.Type = txstore.TypeCredit
		}
		if _, err := env.store.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/analytics/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count         int             `json:"count"`
		TotalVolume   decimal.Decimal `json:"total_volume"`
		ByApplication []struct {
			Application string `json:"application"`
		} `json:"by_application"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if want := decimal.RequireFromString("501750"); !resp.TotalVolume.Equal(want) {
		t.Fatalf("total volume = %s, want %s", resp.TotalVolume, want)
	}
	if len(resp.ByApplication) != 1 || resp.ByApplication[0].Application != "Payme" {
		t.Fatalf("by_application = %+v, want single Payme bucket", resp.ByApplication)
	}
}
