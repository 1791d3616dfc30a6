package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"receiptbot/internal/infra/logger"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Бюджеты вызовов модели: без внутренних ретраев, ограниченный payload.
const (
	gptCallTimeout  = 30 * time.Second
	gptMaxTextBytes = 20 * 1024
	resolverTextCap = 4000
)

const receiptSystemPrompt = `You are a financial data analyst specialized in Uzbek payment systems.

Your task is to analyze receipt text from Uzbek banks and payment systems (Uzcard, Humo, Click, Payme, etc.) and extract structured transaction data.

Context:
- Amounts are typically in UZS (Uzbek Som), sometimes in USD
- Dates follow DD.MM.YYYY or YY-MM-DD formats
- 'Operator' refers to the payment gateway or merchant (e.g., Payme, Click, Paynet, NBU, SmartBank)
- Card numbers are shown as last 4 digits with asterisks (e.g., ***6714 or *6714)
- Transaction types:
  * DEBIT: Payments, purchases, withdrawals (Оплата, Pokupka, Spisanie)
  * CREDIT: Deposits, refunds (Пополнение, Popolnenie)
  * CONVERSION: Currency exchange (Конверсия)
  * REVERSAL: Cancellation (OTMENA)

Extract all available fields with high confidence. If a field is not present, return null.
For dates, convert to ISO 8601 format (YYYY-MM-DDTHH:MM:SS).
Provide a confidence score based on data clarity.
Return ONLY a JSON object with keys: amount, currency, transaction_date_iso, card_last_4, operator_raw, transaction_type, balance_after, confidence.`

const resolverSystemPrompt = `You map merchant/operator strings to known applications and P2P status.
- P2P means person-to-person transfers, card-to-card, or wallet-to-wallet between individuals.
- If the operator clearly indicates transfers between people (e.g., P2P, card-to-card), set is_p2p=true.
- If it is a merchant/shop/service/provider, set is_p2p=false.
- Choose application_name from the provided known list if any matches well.
- If none fit, return 'Unknown'.
- Only invent a new application_name if the operator obviously represents a different app; otherwise prefer a known app or 'Unknown'.
- Keep answers concise; reasoning is optional and brief.
Return ONLY a JSON object with keys: application_name, is_p2p, confidence, recommended_operator_name, reasoning.`

// jsonBlock вытаскивает первый JSON-объект из ответа модели (модель может
// обернуть его в code fence или сопроводить текстом).
var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

// GPTClient — фоллбек-разбор и резолвер операторов поверх OpenAI.
// Нулевой (nil) или выключенный клиент валиден: все методы возвращают
// ErrModelDisabled, каскад деградирует до чисто регулярного разбора.
type GPTClient struct {
	client  openai.Client
	model   string
	loc     *time.Location
	enabled bool
}

// ErrModelDisabled возвращается, когда ключ OpenAI не сконфигурирован.
var ErrModelDisabled = fmt.Errorf("openai api key is not configured")

// NewGPTClient создаёт клиента; пустой apiKey даёт выключенный клиент.
func NewGPTClient(apiKey, model string, loc *time.Location) *GPTClient {
	c := &GPTClient{model: model, loc: loc}
	if strings.TrimSpace(apiKey) == "" {
		return c
	}
	c.client = openai.NewClient(option.WithAPIKey(apiKey))
	c.enabled = true
	return c
}

// Enabled сообщает, доступны ли модельные фоллбеки.
func (c *GPTClient) Enabled() bool { return c != nil && c.enabled }

// gptReceipt — JSON-схема ответа модели на разбор чека.
type gptReceipt struct {
	Amount             json.Number `json:"amount"`
	Currency           string      `json:"currency"`
	TransactionDateISO string      `json:"transaction_date_iso"`
	CardLast4          string      `json:"card_last_4"`
	OperatorRaw        string      `json:"operator_raw"`
	TransactionType    string      `json:"transaction_type"`
	BalanceAfter       json.Number `json:"balance_after"`
	Confidence         float64     `json:"confidence"`
}

// ParseText разбирает текст чека моделью. Текст предварительно маскируется
// и усекается до бюджета.
func (c *GPTClient) ParseText(ctx context.Context, text string) (*Receipt, error) {
	if !c.Enabled() {
		return nil, ErrModelDisabled
	}
	masked := MaskSensitive(text)
	if len(masked) > gptMaxTextBytes {
		masked = masked[:gptMaxTextBytes]
	}

	content, err := c.complete(ctx, receiptSystemPrompt, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage("Parse this Uzbek financial receipt:\n\n" + masked),
	})
	if err != nil {
		return nil, fmt.Errorf("gpt text parse: %w", err)
	}
	r, err := c.decodeReceipt(content)
	if err != nil {
		return nil, err
	}
	r.Method = MethodGPT
	return r, nil
}

// ParseImages разбирает чек по PNG-страницам (base64, без data-префикса).
func (c *GPTClient) ParseImages(ctx context.Context, imagesB64 []string, textHint string) (*Receipt, error) {
	if !c.Enabled() {
		return nil, ErrModelDisabled
	}
	if len(imagesB64) == 0 {
		return nil, fmt.Errorf("no images to parse")
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart("Extract structured transaction data from these receipt images. " +
			"Return ONLY a JSON object with keys: amount, currency, transaction_date_iso, " +
			"card_last_4, operator_raw, transaction_type, balance_after, confidence."),
	}
	if textHint != "" {
		parts = append(parts, openai.TextContentPart(
			"Additional text hint (masked):\n"+MaskSensitive(textHint)))
	}
	for _, img := range imagesB64 {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/png;base64," + img,
		}))
	}

	content, err := c.complete(ctx, receiptSystemPrompt, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(parts),
	})
	if err != nil {
		return nil, fmt.Errorf("gpt vision parse: %w", err)
	}
	r, err := c.decodeReceipt(content)
	if err != nil {
		return nil, err
	}
	r.Method = MethodGPTVision
	return r, nil
}

// AppResolution — ответ резолвера приложений.
type AppResolution struct {
	Application         string
	IsP2P               bool
	Confidence          float64
	RecommendedOperator string
	Reasoning           string
}

// ResolverHint — пример из справочника для подсказки модели.
type ResolverHint struct {
	Operator    string
	Application string
	IsP2P       bool
}

// ResolveApplication просит модель сопоставить сырое имя оператора приложению.
// Вызывающий обязан сам применить порог уверенности.
func (c *GPTClient) ResolveApplication(
	ctx context.Context,
	operatorRaw, rawText string,
	knownApps []string,
	hints []ResolverHint,
) (*AppResolution, error) {
	if !c.Enabled() {
		return nil, ErrModelDisabled
	}

	lines := []string{
		"Operator raw: " + operatorRaw,
		"Known applications: " + strings.Join(knownApps, ", "),
	}
	if len(hints) > 0 {
		lines = append(lines, "Dictionary hints:")
		for _, h := range hints {
			lines = append(lines, fmt.Sprintf("- %s -> %s (p2p=%v)", h.Operator, h.Application, h.IsP2P))
		}
	}
	masked := MaskSensitive(rawText)
	if masked != "" {
		if len(masked) > resolverTextCap {
			masked = masked[:resolverTextCap]
		}
		lines = append(lines, "Receipt text (masked):", masked)
	}

	content, err := c.complete(ctx, resolverSystemPrompt, []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(strings.Join(lines, "\n")),
	})
	if err != nil {
		return nil, fmt.Errorf("gpt resolve application: %w", err)
	}

	var raw struct {
		ApplicationName     string  `json:"application_name"`
		IsP2P               bool    `json:"is_p2p"`
		Confidence          float64 `json:"confidence"`
		RecommendedOperator string  `json:"recommended_operator_name"`
		Reasoning           string  `json:"reasoning"`
	}
	if err = decodeJSONBlock(content, &raw); err != nil {
		return nil, err
	}
	app := strings.TrimSpace(raw.ApplicationName)
	if app == "" {
		return nil, fmt.Errorf("empty application name in model reply")
	}
	if raw.Confidence < 0 {
		raw.Confidence = 0
	}
	if raw.Confidence > 1 {
		raw.Confidence = 1
	}
	return &AppResolution{
		Application:         app,
		IsP2P:               raw.IsP2P,
		Confidence:          raw.Confidence,
		RecommendedOperator: strings.TrimSpace(raw.RecommendedOperator),
		Reasoning:           strings.TrimSpace(raw.Reasoning),
	}, nil
}

// complete выполняет один chat-completion с таймаутом вызова.
func (c *GPTClient) complete(
	ctx context.Context,
	systemPrompt string,
	messages []openai.ChatCompletionMessageParamUnion,
) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, gptCallTimeout)
	defer cancel()

	all := append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}, messages...)
	resp, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    all,
		Temperature: openai.Float(0.1),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty model reply")
	}
	return resp.Choices[0].Message.Content, nil
}

// decodeReceipt превращает JSON-ответ модели в Receipt.
func (c *GPTClient) decodeReceipt(content string) (*Receipt, error) {
	var raw gptReceipt
	if err := decodeJSONBlock(content, &raw); err != nil {
		return nil, err
	}

	if raw.Amount == "" {
		return nil, fmt.Errorf("model reply missing amount")
	}
	amount, err := decimal.NewFromString(raw.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("decode model amount %q: %w", raw.Amount, err)
	}

	date, err := c.parseISODate(raw.TransactionDateISO)
	if err != nil {
		logger.Debug("gpt reply has unparseable date", zap.String("value", raw.TransactionDateISO))
	}

	r := &Receipt{
		Amount:     amount,
		Currency:   strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Type:       strings.ToUpper(strings.TrimSpace(raw.TransactionType)),
		CardLast4:  strings.TrimSpace(raw.CardLast4),
		Operator:   strings.TrimSpace(raw.OperatorRaw),
		Date:       date,
		Confidence: raw.Confidence,
	}
	if raw.BalanceAfter != "" {
		if bal, balErr := decimal.NewFromString(raw.BalanceAfter.String()); balErr == nil {
			r.BalanceAfter = decimal.NullDecimal{Decimal: bal, Valid: true}
		}
	}
	return r, nil
}

// parseISODate разбирает ISO-дату модели; без смещения трактуется в таймзоне
// чатов, со смещением — конвертируется в неё.
func (c *GPTClient) parseISODate(value string) (time.Time, error) {
	v := strings.TrimSpace(strings.Replace(value, "Z", "+00:00", 1))
	if v == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(c.loc), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", v, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse iso date %q: %w", value, err)
	}
	return t, nil
}

// decodeJSONBlock декодирует JSON-объект из сырого ответа модели, терпя
// code fence и пояснительный текст вокруг.
func decodeJSONBlock(content string, dst any) error {
	payload := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(payload), dst); err == nil {
		return nil
	}
	block := jsonBlock.FindString(payload)
	if block == "" {
		return fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(block), dst); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}
