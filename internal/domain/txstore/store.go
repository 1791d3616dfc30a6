// Package txstore — канонические хранилища конвейера чеков поверх SQLite:
// транзакции, задачи обработки, мониторы чатов, справочник операторов и
// скрытые чаты. Все операции идут через один *sql.DB (единственный писатель),
// модели денежных сумм — shopspring/decimal, идентификаторы — UUID.
//
// Ключевой инвариант уникальности транзакций двойной:
//   - адрес источника (source_chat_id, source_message_id) — повторная обработка
//     того же сообщения не создаёт второй записи;
//   - отпечаток содержимого fingerprint — тот же чек, пришедший из другого
//     чата или в другом формате, также схлопывается в одну запись.
package txstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store инкапсулирует доступ ко всем таблицам конвейера.
type Store struct {
	db *sql.DB
}

// New создаёт Store и накатывает схему.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// DB возвращает нижележащее подключение (для веб-слоя health-проверок).
func (s *Store) DB() *sql.DB { return s.db }

// migrate выполняет идемпотентные DDL-миграции в одной транзакции.
func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements {
		if _, err = tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return tx.Commit()
}

// isUniqueViolation распознаёт нарушение UNIQUE-ограничения SQLite.
// modernc.org/sqlite не экспортирует типизированную ошибку для constraint-ов,
// поэтому проверяем текст (стабильный у SQLite).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nowUTC возвращает текущее время в формате хранения (UTC, RFC3339).
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// parseStoredTime разбирает значение из колонок created_at/updated_at.
func parseStoredTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// execContext — маленький помощник, чтобы не плодить однотипные обёртки ошибок.
func (s *Store) execContext(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
