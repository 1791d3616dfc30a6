package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Типы источников и транзакций. Значения совпадают с CHECK-ограничениями схемы.
const (
	SourceAuto   = "AUTO"
	SourceManual = "MANUAL"

	TypeDebit      = "DEBIT"
	TypeCredit     = "CREDIT"
	TypeConversion = "CONVERSION"
	TypeReversal   = "REVERSAL"
	TypeUnknown    = "UNKNOWN"

	MethodGPT       = "GPT"
	MethodGPTVision = "GPT_VISION"
	MethodManual    = "MANUAL"
)

// ErrTransactionNotFound возвращается при обращении к несуществующей записи.
var ErrTransactionNotFound = errors.New("transaction not found")

// Хранимый формат даты транзакции: наивное локальное время в таймзоне чатов,
// минутного разрешения достаточно, секунды храним для сортировки.
const txDateLayout = "2006-01-02 15:04:05"

// Transaction — каноническая запись распознанного чека.
// Amount подписан: DEBIT — отрицательный, остальные типы — неотрицательные.
// Date — время из самого чека, CreatedAt — момент записи в базу.
// SourceChatID/SourceMessageID равны нулю для ручных записей без адреса источника.
type Transaction struct {
	ID              string
	CreatedAt       time.Time
	RawMessage      string
	SourceType      string
	SourceChatID    int64
	SourceMessageID int64
	Date            time.Time
	Amount          decimal.Decimal
	Currency        string
	CardLast4       string
	OperatorRaw     string
	Application     string
	Type            string
	BalanceAfter    decimal.NullDecimal
	ReceiverName    string
	ReceiverCard    string
	ParsingMethod   string
	Confidence      float64
	IsGPTParsed     bool
	IsP2P           bool
	Fingerprint     string
}

// InsertResult описывает исход вставки: Created=false означает, что запись с тем
// же адресом или отпечатком уже существовала, и ID указывает на неё.
type InsertResult struct {
	Created bool
	ID      string
}

const transactionColumns = `id, created_at, raw_message, source_type,
	source_chat_id, source_message_id, transaction_date, amount, currency, card_last4,
	operator_raw, application_mapped, transaction_type, balance_after,
	receiver_name, receiver_card, parsing_method, parsing_confidence,
	is_gpt_parsed, is_p2p, fingerprint`

// InsertTransaction сохраняет транзакцию, охраняя оба ключа уникальности.
// При нарушении UNIQUE повторно ищет существующую запись по адресу и отпечатку
// и возвращает её ID: гонка двух воркеров за один чек разрешается в пользу
// первого, второй получает Created=false без ошибки.
func (s *Store) InsertTransaction(ctx context.Context, t *Transaction) (InsertResult, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Currency == "" {
		t.Currency = "UZS"
	}
	if t.Type == "" {
		t.Type = TypeUnknown
	}
	if t.Date.IsZero() {
		t.Date = t.CreatedAt
	}

	var balance any
	if t.BalanceAfter.Valid {
		balance = t.BalanceAfter.Decimal.String()
	}
	chatID, msgID := sourceAddress(t)

	_, err := s.db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CreatedAt.Format(time.RFC3339), t.RawMessage, t.SourceType,
		chatID, msgID, t.Date.Format(txDateLayout), t.Amount.String(), t.Currency, t.CardLast4,
		t.OperatorRaw, t.Application, t.Type, balance,
		t.ReceiverName, t.ReceiverCard, t.ParsingMethod, t.Confidence,
		t.IsGPTParsed, t.IsP2P, t.Fingerprint,
	)
	if err == nil {
		return InsertResult{Created: true, ID: t.ID}, nil
	}
	if !isUniqueViolation(err) {
		return InsertResult{}, fmt.Errorf("insert transaction: %w", err)
	}

	// Повторная проверка обоих ключей: конфликт мог случиться по любому из них.
	if t.SourceType == SourceAuto {
		if existing, findErr := s.FindTransactionByAddress(ctx, t.SourceChatID, t.SourceMessageID); findErr == nil {
			return InsertResult{Created: false, ID: existing.ID}, nil
		} else if !errors.Is(findErr, ErrTransactionNotFound) {
			return InsertResult{}, findErr
		}
	}
	existing, findErr := s.FindTransactionByFingerprint(ctx, t.Fingerprint)
	if findErr != nil {
		return InsertResult{}, fmt.Errorf("re-probe after conflict: %w", findErr)
	}
	return InsertResult{Created: false, ID: existing.ID}, nil
}

// sourceAddress возвращает адрес источника для записи в БД:
// ручные записи без адреса хранят NULL, чтобы не конфликтовать между собой.
func sourceAddress(t *Transaction) (any, any) {
	if t.SourceType == SourceManual && t.SourceChatID == 0 && t.SourceMessageID == 0 {
		return nil, nil
	}
	return t.SourceChatID, t.SourceMessageID
}

// FindTransactionByAddress ищет запись по адресу источника (чат + сообщение).
func (s *Store) FindTransactionByAddress(ctx context.Context, chatID, messageID int64) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE source_chat_id = ? AND source_message_id = ?`,
		chatID, messageID)
	return scanTransaction(row)
}

// FindTransactionByFingerprint ищет запись по отпечатку содержимого.
func (s *Store) FindTransactionByFingerprint(ctx context.Context, fingerprint string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE fingerprint = ?`, fingerprint)
	return scanTransaction(row)
}

// GetTransaction возвращает запись по ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// TransactionFilter задаёт параметры выборки ListTransactions.
// Нулевые значения означают «без ограничения».
type TransactionFilter struct {
	From        time.Time
	To          time.Time
	ChatID      int64
	Application string
	Type        string
	Limit       int
	Offset      int
}

// ListTransactions возвращает записи, подходящие под фильтр, новые первыми.
func (s *Store) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	args := make([]any, 0, 6)
	if !f.From.IsZero() {
		query += ` AND transaction_date >= ?`
		args = append(args, f.From.Format(txDateLayout))
	}
	if !f.To.IsZero() {
		query += ` AND transaction_date < ?`
		args = append(args, f.To.Format(txDateLayout))
	}
	if f.ChatID != 0 {
		query += ` AND source_chat_id = ?`
		args = append(args, f.ChatID)
	}
	if f.Application != "" {
		query += ` AND application_mapped = ?`
		args = append(args, f.Application)
	}
	if f.Type != "" {
		query += ` AND transaction_type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY transaction_date DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, scanErr := scanTransactionRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// TransactionUpdate — админские правки распознанной записи: маппинг и метки.
// Конвейер никогда не обновляет существующие транзакции, это чисто ручная операция.
type TransactionUpdate struct {
	Application  *string
	Type         *string
	IsP2P        *bool
	ReceiverName *string
	ReceiverCard *string
}

// UpdateTransaction применяет ненулевые поля правки.
func (s *Store) UpdateTransaction(ctx context.Context, id string, u TransactionUpdate) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if u.Application != nil {
		sets = append(sets, "application_mapped = ?")
		args = append(args, *u.Application)
	}
	if u.Type != nil {
		sets = append(sets, "transaction_type = ?")
		args = append(args, *u.Type)
	}
	if u.IsP2P != nil {
		sets = append(sets, "is_p2p = ?")
		args = append(args, *u.IsP2P)
	}
	if u.ReceiverName != nil {
		sets = append(sets, "receiver_name = ?")
		args = append(args, *u.ReceiverName)
	}
	if u.ReceiverCard != nil {
		sets = append(sets, "receiver_card = ?")
		args = append(args, *u.ReceiverCard)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET `+joinSets(sets)+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// DeleteTransaction удаляет запись по ID.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// DeleteTransactions удаляет набор записей, возвращая число удалённых.
func (s *Store) DeleteTransactions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, id := range ids {
		res, execErr := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
		if execErr != nil {
			return 0, fmt.Errorf("bulk delete: %w", execErr)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// AppVolume — агрегат по приложению за период.
type AppVolume struct {
	Application string
	Count       int
	Volume      decimal.Decimal // сумма модулей
}

// DayVolume — агрегат по дню даты транзакции (формат YYYY-MM-DD).
type DayVolume struct {
	Day    string
	Count  int
	Volume decimal.Decimal
}

// Summary — сводка по транзакциям за период.
type Summary struct {
	Count         int
	TotalVolume   decimal.Decimal
	ByApplication []AppVolume
	ByDay         []DayVolume
}

// Summarize строит сводку за период. Суммы считаются в Go поверх decimal,
// чтобы не терять точность на REAL-агрегатах SQLite.
func (s *Store) Summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	list, err := s.ListTransactions(ctx, TransactionFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	summary := &Summary{TotalVolume: decimal.Zero}
	byApp := make(map[string]*AppVolume)
	byDay := make(map[string]*DayVolume)

	for _, t := range list {
		abs := t.Amount.Abs()
		summary.Count++
		summary.TotalVolume = summary.TotalVolume.Add(abs)

		app := t.Application
		if app == "" {
			app = "Unknown"
		}
		av := byApp[app]
		if av == nil {
			av = &AppVolume{Application: app, Volume: decimal.Zero}
			byApp[app] = av
		}
		av.Count++
		av.Volume = av.Volume.Add(abs)

		day := t.Date.Format("2006-01-02")
		dv := byDay[day]
		if dv == nil {
			dv = &DayVolume{Day: day, Volume: decimal.Zero}
			byDay[day] = dv
		}
		dv.Count++
		dv.Volume = dv.Volume.Add(abs)
	}

	for _, av := range byApp {
		summary.ByApplication = append(summary.ByApplication, *av)
	}
	for _, dv := range byDay {
		summary.ByDay = append(summary.ByDay, *dv)
	}
	sort.Slice(summary.ByApplication, func(i, j int) bool {
		return summary.ByApplication[i].Volume.GreaterThan(summary.ByApplication[j].Volume)
	})
	sort.Slice(summary.ByDay, func(i, j int) bool {
		return summary.ByDay[i].Day < summary.ByDay[j].Day
	})
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row *sql.Row) (*Transaction, error) {
	t, err := scanTransactionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func scanTransactionRow(r rowScanner) (*Transaction, error) {
	var (
		t         Transaction
		createdAt string
		chatID    sql.NullInt64
		msgID     sql.NullInt64
		txDate    string
		amount    string
		balance   sql.NullString
	)
	err := r.Scan(&t.ID, &createdAt, &t.RawMessage, &t.SourceType,
		&chatID, &msgID, &txDate, &amount, &t.Currency, &t.CardLast4,
		&t.OperatorRaw, &t.Application, &t.Type, &balance,
		&t.ReceiverName, &t.ReceiverCard, &t.ParsingMethod, &t.Confidence,
		&t.IsGPTParsed, &t.IsP2P, &t.Fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.CreatedAt = parseStoredTime(createdAt)
	t.Date, _ = time.Parse(txDateLayout, txDate)
	t.SourceChatID = chatID.Int64
	t.SourceMessageID = msgID.Int64
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	if balance.Valid {
		d, decErr := decimal.NewFromString(balance.String)
		if decErr != nil {
			return nil, fmt.Errorf("decode balance %q: %w", balance.String, decErr)
		}
		t.BalanceAfter = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return &t, nil
}

func joinSets(sets []string) string {
	return strings.Join(sets, ", ")
}
