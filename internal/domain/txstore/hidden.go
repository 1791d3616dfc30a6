package txstore

import (
	"context"
	"fmt"
)

// HideChat скрывает чат из списков выбора в админке. Влияет только на выдачу
// списка чатов: мониторинг и обработка скрытого чата продолжают работать.
func (s *Store) HideChat(ctx context.Context, chatID int64) error {
	return s.execContext(ctx, "hide chat",
		`INSERT OR IGNORE INTO hidden_bot_chats (chat_id, hidden_at) VALUES (?, ?)`,
		chatID, nowUTC())
}

// UnhideChat возвращает чат в списки.
func (s *Store) UnhideChat(ctx context.Context, chatID int64) error {
	return s.execContext(ctx, "unhide chat",
		`DELETE FROM hidden_bot_chats WHERE chat_id = ?`, chatID)
}

// HiddenChatIDs возвращает множество скрытых чатов.
func (s *Store) HiddenChatIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM hidden_bot_chats`)
	if err != nil {
		return nil, fmt.Errorf("list hidden chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan hidden chat: %w", err)
		}
		result[id] = struct{}{}
	}
	return result, rows.Err()
}
