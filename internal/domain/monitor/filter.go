// Package monitor — слой захвата: фильтр сообщений-кандидатов, ограниченная
// очередь работы с дедупликацией и сервис с live-обработчиком и циклом
// догона пропущенных сообщений.
package monitor

import (
	"encoding/json"
	"strings"

	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
)

// Минимальная длина текста, похожего на чек, в групповых чатах.
const minReceiptTextLength = 20

// defaultKeywords — признаки чека: коды валют, названия банков и кошельков,
// слова «оплата» на трёх языках. Групповые чаты без такого попадания
// отбрасываются, личные проходят и без него.
var defaultKeywords = []string{
	"uzs", "usd", "humo", "uzcard",
	"oplata", "оплата", "пополнение",
	"balans", "баланс",
	"receipt", "chek", "чек",
	"transfer", "перевод",
	"payme", "click", "apelsin", "terminal",
}

var groupChatTypes = map[string]struct{}{
	"group":      {},
	"supergroup": {},
	"channel":    {},
}

// ShouldProcess решает, идёт ли сообщение в очередь обработки.
// PDF-вложение проходит всегда; текст фильтруется по длине, дефолтным
// ключевым словам (для групп) и режиму фильтра монитора.
func ShouldProcess(m *txstore.Monitor, msg *receipts.Message) bool {
	if msg.HasPDF {
		return true
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return false
	}
	textLower := strings.ToLower(text)

	chatType := m.ChatType
	if chatType == "" {
		chatType = "private"
	}
	_, isGroup := groupChatTypes[chatType]
	if msg.ChatID < 0 {
		isGroup = true
	}

	defaultHit := len(textLower) >= minReceiptTextLength && containsAny(textLower, defaultKeywords)
	if isGroup && !defaultHit {
		return false
	}

	keywords := ParseKeywords(m.FilterKeywords)
	hasKeyword := false
	for _, kw := range keywords {
		if strings.Contains(textLower, strings.ToLower(kw)) {
			hasKeyword = true
			break
		}
	}

	switch m.FilterMode {
	case txstore.FilterBlacklist:
		if len(keywords) == 0 {
			return defaultHit || !isGroup
		}
		return !hasKeyword
	case txstore.FilterWhitelist:
		return hasKeyword && (defaultHit || !isGroup)
	default:
		if len(keywords) == 0 {
			return defaultHit || !isGroup
		}
		return hasKeyword
	}
}

// ParseKeywords разбирает список ключевых слов: сперва как JSON-массив или
// JSON-строку, при неудаче — как список через запятую.
func ParseKeywords(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var asList []string
	if err := json.Unmarshal([]byte(raw), &asList); err == nil {
		return cleanKeywords(asList)
	}
	var asString string
	if err := json.Unmarshal([]byte(raw), &asString); err == nil {
		return cleanKeywords([]string{asString})
	}
	return cleanKeywords(strings.Split(raw, ","))
}

func cleanKeywords(items []string) []string {
	var result []string
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
