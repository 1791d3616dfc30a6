package parser

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"receiptbot/internal/infra/logger"

	"go.uber.org/zap"
)

// Ошибки каскада. Тексты входят в классификацию постоянных ошибок обработки,
// менять формулировки нельзя без оглядки на неё.
var (
	ErrEmptyText = errors.New("empty message content")
	ErrUnparsed  = errors.New("cannot parse receipt")
)

var receiverNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)(?:Receiver\s+name|Имя\s+получателя|Получатель)\s*:?\s*([А-ЯЁA-Z][а-яёa-zA-Z\s\-']+)`),
	regexp.MustCompile(`(?im)Receiver\s*:?\s*([А-ЯЁA-Z][а-яёa-zA-Z\s\-']+)`),
	regexp.MustCompile(`(?im)(?:На\s+имя|Кому)\s*:?\s*([А-ЯЁA-Z][а-яёa-zA-Z\s\-']+)`),
}

var receiverCardPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:Receiver\s+card|Receiver|Получатель|Карта\s+получателя)\s*:?\s*([^\n\r]+)`),
	regexp.MustCompile(`(?i)(?:на\s+карту|to\s+card)\s*:?\s*([^\n\r]+)`),
}

var receiverNameStopWords = map[string]struct{}{
	"CARD":   {},
	"КАРТА":  {},
	"NUMBER": {},
	"НОМЕР":  {},
}

// Orchestrator гоняет текст чека по каскаду: сначала дешёвые регулярные
// диалекты, при неуверенности — модель. Результат всегда проходит
// пост-валидацию и обогащение до возврата.
type Orchestrator struct {
	regex     *RegexParser
	gpt       *GPTClient
	threshold float64
}

// NewOrchestrator собирает каскад. threshold — минимальная уверенность
// регулярного разбора, ниже которой текст уходит в модель.
func NewOrchestrator(regex *RegexParser, gpt *GPTClient, threshold float64) *Orchestrator {
	return &Orchestrator{regex: regex, gpt: gpt, threshold: threshold}
}

// GPT отдаёт модельный клиент каскада для vision-пути и резолвера операторов.
func (o *Orchestrator) GPT() *GPTClient { return o.gpt }

// Process разбирает текст чека. Возвращает ErrEmptyText для пустого входа и
// ErrUnparsed, когда ни одна стратегия не справилась.
func (o *Orchestrator) Process(ctx context.Context, rawText string) (*Receipt, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, ErrEmptyText
	}

	if r := o.regex.Parse(rawText); r != nil && r.Confidence >= o.threshold {
		logger.Debug("regex parse accepted",
			zap.String("method", r.Method), zap.Float64("confidence", r.Confidence))
		return o.postValidate(r, rawText)
	}

	if !o.gpt.Enabled() {
		return nil, ErrUnparsed
	}
	r, err := o.gpt.ParseText(ctx, rawText)
	if err != nil {
		if errors.Is(err, ErrModelDisabled) {
			return nil, ErrUnparsed
		}
		return nil, err
	}
	logger.Debug("gpt parse accepted", zap.Float64("confidence", r.Confidence))
	return o.postValidate(r, rawText)
}

// PostValidate доводит результат внешней стратегии (vision-путь) до тех же
// гарантий, что и Process.
func (o *Orchestrator) PostValidate(r *Receipt, rawText string) (*Receipt, error) {
	return o.postValidate(r, rawText)
}

// postValidate гарантирует обязательные поля и нормализует значения:
// сумма и баланс по модулю, валюта в верхнем регистре с дефолтом UZS,
// фоллбек извлечения карты и реквизитов получателя из сырого текста.
func (o *Orchestrator) postValidate(r *Receipt, rawText string) (*Receipt, error) {
	if r.Amount.IsZero() || r.Date.IsZero() || r.Type == "" {
		return nil, ErrUnparsed
	}

	r.Amount = r.Amount.Abs()
	if r.BalanceAfter.Valid {
		r.BalanceAfter.Decimal = r.BalanceAfter.Decimal.Abs()
	}

	if r.Currency == "" {
		r.Currency = "UZS"
	} else {
		r.Currency = strings.ToUpper(r.Currency)
	}

	if r.CardLast4 == "" {
		r.CardLast4 = ExtractCardLast4(rawText)
	}
	if r.ReceiverName == "" {
		r.ReceiverName = extractReceiverName(rawText)
	}
	if r.ReceiverCard == "" {
		r.ReceiverCard = extractReceiverCard(rawText)
	}
	return r, nil
}

// extractReceiverName ищет имя получателя по известным подписям полей.
func extractReceiverName(text string) string {
	for _, pat := range receiverNamePatterns {
		m := pat.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if len([]rune(name)) <= 3 {
			continue
		}
		if _, stop := receiverNameStopWords[strings.ToUpper(name)]; stop {
			continue
		}
		runes := []rune(name)
		if len(runes) > 255 {
			name = string(runes[:255])
		}
		return name
	}
	return ""
}

// extractReceiverCard достаёт последние четыре цифры карты получателя.
func extractReceiverCard(text string) string {
	for _, pat := range receiverCardPatterns {
		m := pat.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		raw := strings.TrimSpace(m[1])
		digits := nonDigits.ReplaceAllString(raw, "")
		if digits != "" {
			if len(digits) > 4 {
				digits = digits[len(digits)-4:]
			}
			return digits
		}
		if raw != "" {
			runes := []rune(raw)
			if len(runes) > 4 {
				raw = string(runes[:4])
			}
			return raw
		}
	}
	return ""
}
