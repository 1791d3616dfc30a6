package receipts

import (
	"errors"
	"strings"
)

// Типовые ошибки конвейера. Постоянные ошибки двигают курсор монитора вперёд,
// чтобы не пережёвывать одно сообщение вечно; временные оставляют курсор на
// месте, и catch-up подберёт сообщение на следующем круге.
var (
	// ErrMessageNotFound — сообщение исчезло из чата или chat_id неверен.
	ErrMessageNotFound = errors.New("message not found")

	// ErrVisionUnavailable — PDF требует vision-фоллбека, а модель не
	// сконфигурирована.
	ErrVisionUnavailable = errors.New("vision model unavailable: OPENAI_API_KEY is not configured")

	// ErrUnsupportedDocument — вложение не PDF.
	ErrUnsupportedDocument = errors.New("unsupported document type")
)

// Маркеры постоянных ошибок в текстах. Ошибки разбора формулируются так,
// чтобы попадать под один из них.
var permanentMarkers = []string{
	"cannot parse",
	"empty",
	"unsupported",
	"missing",
	"invalid",
}

// IsPermanent сообщает, что повторная обработка сообщения бессмысленна:
// содержимое не изменится, сколько его ни перечитывай.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrVisionUnavailable) ||
		errors.Is(err, ErrUnsupportedDocument) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
