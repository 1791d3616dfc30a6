package telegram

// Файловое хранилище MTProto-сессии. Запись атомарна: либо на диске лежит
// прежняя валидная сессия, либо новая целиком. Обновление сессии обычно
// означает успешный логин или реавторизацию.

import (
	"context"
	"fmt"
	"os"
	"sync"

	"receiptbot/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// SessionStorage реализует tdsession.Storage поверх обычного файла.
// Потокобезопасно: Load/Store защищены мьютексом.
type SessionStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*SessionStorage)(nil)

// LoadSession читает файл сессии с диска.
func (f *SessionStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *SessionStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	return nil
}

// removeSession удаляет файл сессии; отсутствие файла не считается ошибкой.
func (f *SessionStorage) removeSession() error {
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
