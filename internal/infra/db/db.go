// Package db — открытие и базовая настройка SQLite-подключения (modernc.org/sqlite).
// Канонические данные конвейера (транзакции, задачи, мониторы, справочник операторов)
// живут в одном файле SQLite; WAL и busy_timeout позволяют безопасно совмещать
// конкурентные чтения веб-слоя с единственным писателем конвейера.
package db

import (
	"database/sql"
	"fmt"

	"receiptbot/internal/infra/storage"

	_ "modernc.org/sqlite" // драйвер database/sql с именем "sqlite"
)

// Open открывает (или создаёт) файл базы данных и настраивает пул подключений.
// SQLite поддерживает только одного писателя, поэтому пул ограничен одним
// соединением: сериализация записи происходит на уровне database/sql, а не
// через SQLITE_BUSY-ретраи.
func Open(path string) (*sql.DB, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("ensure database dir: %w", err)
	}

	conn, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err = conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenMemory открывает изолированную базу в памяти. Используется тестами хранилищ.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite", "file::memory:?_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}
