package txstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Режимы фильтрации мониторов. Значения совпадают с CHECK-ограничением схемы.
const (
	FilterAll       = "all"
	FilterWhitelist = "whitelist"
	FilterBlacklist = "blacklist"
)

// ErrMonitorNotFound возвращается при обращении к незарегистрированному чату.
var ErrMonitorNotFound = errors.New("monitored chat not found")

// Monitor — подписка конвейера на чат-источник чеков.
// Cursor (last_processed_message_id) монотонно растёт и двигается только после
// успешной или постоянно-неуспешной обработки сообщения.
type Monitor struct {
	ChatID         int64
	Enabled        bool
	Cursor         int64
	ChatType       string
	FilterMode     string
	FilterKeywords string
	Title          string
	LastError      string
	UpdatedAt      time.Time
}

const monitorColumns = `chat_id, enabled, last_processed_message_id, chat_type,
	filter_mode, filter_keywords, chat_title, last_error, updated_at`

// UpsertMonitor регистрирует чат или обновляет его настройки.
// Курсор существующей записи сохраняется; для новой берётся seed из m.Cursor
// (вызывающий решает, начинать ли с последнего сообщения чата или с нуля).
func (s *Store) UpsertMonitor(ctx context.Context, m *Monitor) error {
	if m.FilterMode == "" {
		m.FilterMode = FilterAll
	}
	return s.execContext(ctx, "upsert monitor",
		`INSERT INTO monitored_bot_chats (`+monitorColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET
			enabled = excluded.enabled,
			chat_type = excluded.chat_type,
			filter_mode = excluded.filter_mode,
			filter_keywords = excluded.filter_keywords,
			chat_title = excluded.chat_title,
			updated_at = excluded.updated_at`,
		m.ChatID, m.Enabled, m.Cursor, m.ChatType,
		m.FilterMode, m.FilterKeywords, m.Title, m.LastError, nowUTC())
}

// GetMonitor возвращает запись монитора.
func (s *Store) GetMonitor(ctx context.Context, chatID int64) (*Monitor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitored_bot_chats WHERE chat_id = ?`, chatID)
	m, err := scanMonitorRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMonitorNotFound
	}
	return m, err
}

// ListMonitors возвращает все мониторы; onlyEnabled ограничивает активными.
func (s *Store) ListMonitors(ctx context.Context, onlyEnabled bool) ([]*Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitored_bot_chats`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY chat_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Monitor
	for rows.Next() {
		m, scanErr := scanMonitorRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// AdvanceCursor двигает курсор вперёд до messageID. Движение строго монотонное:
// запоздавшее подтверждение старого сообщения курсор не откатывает.
func (s *Store) AdvanceCursor(ctx context.Context, chatID, messageID int64) error {
	return s.execContext(ctx, "advance cursor",
		`UPDATE monitored_bot_chats
		 SET last_processed_message_id = MAX(last_processed_message_id, ?), updated_at = ?
		 WHERE chat_id = ?`,
		messageID, nowUTC(), chatID)
}

// SetMonitorEnabled включает либо выключает монитор.
func (s *Store) SetMonitorEnabled(ctx context.Context, chatID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_bot_chats SET enabled = ?, updated_at = ? WHERE chat_id = ?`,
		enabled, nowUTC(), chatID)
	if err != nil {
		return fmt.Errorf("set monitor enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

// SetMonitorTitle обновляет кэшированное название чата.
func (s *Store) SetMonitorTitle(ctx context.Context, chatID int64, title string) error {
	return s.execContext(ctx, "set monitor title",
		`UPDATE monitored_bot_chats SET chat_title = ? WHERE chat_id = ?`, title, chatID)
}

// SetMonitorError записывает последнюю ошибку захвата (пустая строка очищает).
func (s *Store) SetMonitorError(ctx context.Context, chatID int64, errText string) error {
	return s.execContext(ctx, "set monitor error",
		`UPDATE monitored_bot_chats SET last_error = ? WHERE chat_id = ?`, errText, chatID)
}

// DeleteMonitor снимает чат с мониторинга.
func (s *Store) DeleteMonitor(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitored_bot_chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

func scanMonitorRow(r rowScanner) (*Monitor, error) {
	var (
		m         Monitor
		updatedAt string
	)
	err := r.Scan(&m.ChatID, &m.Enabled, &m.Cursor, &m.ChatType,
		&m.FilterMode, &m.FilterKeywords, &m.Title, &m.LastError, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan monitor: %w", err)
	}
	m.UpdatedAt = parseStoredTime(updatedAt)
	return &m, nil
}
