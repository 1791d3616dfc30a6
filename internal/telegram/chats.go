package telegram

// Каталог чатов для веб-слоя: фильтрация и пагинация поверх снапшота
// диалогов из кэша пиров. Список скрытых чатов хранится в БД и передаётся
// сюда готовым множеством.

import (
	"context"
	"strings"

	"receiptbot/internal/infra/telegram/peersmgr"
)

// ChatFilter — параметры выборки каталога чатов.
type ChatFilter struct {
	Search        string
	Kinds         []string // user|bot|group|supergroup|channel; пусто — все
	Limit         int
	Offset        int
	IncludeHidden bool
	Hidden        map[int64]bool
}

// ChatInfo — элемент каталога с признаком скрытости.
type ChatInfo struct {
	peersmgr.ChatSummary
	Hidden bool `json:"hidden"`
}

const defaultChatPageLimit = 50

// ListChats возвращает страницу каталога чатов и общее число подходящих
// под фильтр. Пустой снапшот обновляется с сервера один раз.
func (m *Manager) ListChats(ctx context.Context, filter ChatFilter) ([]ChatInfo, int, error) {
	chats := m.peers.Chats()
	if len(chats) == 0 {
		if _, err := m.running(); err != nil {
			return nil, 0, err
		}
		if err := m.peers.RefreshChats(ctx); err != nil {
			return nil, 0, err
		}
		chats = m.peers.Chats()
	}

	kinds := make(map[string]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		if k = strings.TrimSpace(strings.ToLower(k)); k != "" {
			kinds[k] = true
		}
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	matched := make([]ChatInfo, 0, len(chats))
	for _, chat := range chats {
		hidden := filter.Hidden[chat.ChatID]
		if hidden && !filter.IncludeHidden {
			continue
		}
		if len(kinds) > 0 && !kinds[chat.Kind] {
			continue
		}
		if search != "" && !chatMatches(chat, search) {
			continue
		}
		matched = append(matched, ChatInfo{ChatSummary: chat, Hidden: hidden})
	}

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultChatPageLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []ChatInfo{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// RefreshChats принудительно перечитывает список диалогов с сервера.
func (m *Manager) RefreshChats(ctx context.Context) error {
	if _, err := m.running(); err != nil {
		return err
	}
	return m.peers.RefreshChats(ctx)
}

func chatMatches(chat peersmgr.ChatSummary, search string) bool {
	return strings.Contains(strings.ToLower(chat.Title), search) ||
		strings.Contains(strings.ToLower(chat.Username), search)
}
