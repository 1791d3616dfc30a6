package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Самооценки уверенности диалектов. Выше порога принятия (0.8 по умолчанию),
// поэтому удачный разбор любым диалектом не уходит в GPT.
const (
	confidenceHumo      = 0.95
	confidenceSMS       = 0.90
	confidenceSemicolon = 0.92
	confidenceCardXabar = 0.93
)

// Диалект Humo: многострочное уведомление с эмодзи-маркерами.
var (
	humoAmount   = regexp.MustCompile(`[➖➕💸]\s*([\d\s.,]+)\s*(UZS|USD)`)
	humoType     = regexp.MustCompile(`(Оплата|Пополнение|Операция|Конверсия)`)
	humoOperator = regexp.MustCompile(`📍\s*(.+)`)
	humoDatetime = regexp.MustCompile(
		`[🕓🕘]\s*(?:(\d{2}:\d{2})\s+(\d{2}\.\d{2}\.\d{2,4})|(\d{2}\.\d{2}\.\d{2,4})\s+(\d{2}:\d{2}))`)
	humoBalance  = regexp.MustCompile(`[💰💵]\s*([\d\s.,]+)\s*(USD|UZS)`)
	humoCurrency = regexp.MustCompile(`(USD|UZS)`)
)

// Диалект SMS: однострочный транслит-формат с полями через запятую.
var (
	smsOperator = regexp.MustCompile(
		`(?:Pokupka|Spisanie c karty|Popolnenie scheta|E-Com oplata|Platezh):\s*(.+?)(?:,|\s+\d{2}\.\d{2})`)
	smsDatetime = regexp.MustCompile(`(\d{2}\.\d{2}\.\d{2})\s+(\d{2}:\d{2})`)
	smsAmount   = regexp.MustCompile(`summa:([\d\s.,]+)\s*UZS`)
	smsBalance  = regexp.MustCompile(`balans:([\d\s.,]+)\s*UZS`)
	smsTypeWord = regexp.MustCompile(`^(Pokupka|Spisanie|Popolnenie|E-Com|Platezh|OTMENA)`)
)

// Диалект с точкой с запятой: "HUMOCARD *dddd: oplata … UZS; …; YY-MM-DD HH:MM; Dostupno: …".
var (
	semiCardAmount = regexp.MustCompile(`HUMOCARD\s*\*(\d{4}):\s*(oplata|popolnenie|operacija)\s+([\d.]+)\s*UZS`)
	semiOperator   = regexp.MustCompile(`;\s*([^;]+?)\s*;`)
	semiDatetime   = regexp.MustCompile(`;\s*(\d{2})-(\d{2})-(\d{2})\s+(\d{2}:\d{2})`)
	semiBalance    = regexp.MustCompile(`Dostupno:\s*([\d.]+)\s*UZS`)
)

// Диалект CardXabar: эмодзи-уведомления с 🔴/🟢 маркерами направления.
var (
	cxAmount   = regexp.MustCompile(`[➖➕]\s*([\d\s.,]+)\s*(USD|UZS)`)
	cxOperator = regexp.MustCompile(`📍\s*(.+)`)
	cxDatetime = regexp.MustCompile(
		`🕓\s*(?:(\d{2}:\d{2})\s+(\d{2}\.\d{2}\.\d{2,4})|(\d{2}\.\d{2}\.\d{2,4})\s+(\d{2}:\d{2}))`)
	cxBalance = regexp.MustCompile(`[💰💵]\s*([\d\s.,]+)\s*(USD|UZS)?`)
)

// RegexParser — детерминированный разбор четырёх известных диалектов чеков.
// Дешёвые строковые маркеры выбирают диалект до запуска тяжёлых регулярок.
type RegexParser struct {
	loc *time.Location
}

// NewRegexParser создаёт парсер с таймзоной, в которой трактуются даты чеков.
func NewRegexParser(loc *time.Location) *RegexParser {
	return &RegexParser{loc: loc}
}

// Parse прогоняет текст по каскаду диалектов и возвращает первый успешный
// результат; nil означает, что ни один диалект не распознал чек.
func (p *RegexParser) Parse(text string) *Receipt {
	if strings.Contains(text, "CardXabar") || strings.Contains(text, "NBU Card") ||
		strings.Contains(text, "🔴") || strings.Contains(text, "🟢") {
		if r := p.parseCardXabar(text); r != nil {
			return r
		}
	}

	for _, marker := range []string{"💸", "💳", "📍", "🕓", "🕘"} {
		if strings.Contains(text, marker) {
			if r := p.parseHumo(text); r != nil {
				return r
			}
			break
		}
	}

	if strings.Contains(text, "HUMOCARD *") && strings.Contains(text, ";") {
		if r := p.parseSemicolon(text); r != nil {
			return r
		}
	}

	if strings.Contains(text, "summa:") && strings.Contains(text, "karta") {
		if r := p.parseSMS(text); r != nil {
			return r
		}
	}

	return nil
}

func (p *RegexParser) parseHumo(text string) *Receipt {
	amountMatch := humoAmount.FindStringSubmatch(text)
	if amountMatch == nil {
		return nil
	}
	amount, err := NormalizeAmount(amountMatch[1])
	if err != nil {
		return nil
	}
	currency := amountMatch[2]

	txType := TypeDebit
	if m := humoType.FindStringSubmatch(text); m != nil {
		switch m[1] {
		case "Пополнение":
			txType = TypeCredit
		case "Конверсия":
			txType = TypeConversion
		}
	} else {
		upper := strings.ToUpper(text)
		switch {
		case strings.Contains(upper, "OTMENA"):
			txType = TypeReversal
		case strings.Contains(upper, "КОНВЕРС"), strings.Contains(upper, "CONVERS"):
			txType = TypeConversion
		case strings.Contains(text, "➕"), strings.Contains(text, "🎉"):
			txType = TypeCredit
		}
	}

	date, ok := p.parseEmojiDatetime(humoDatetime, text)
	if !ok {
		return nil
	}

	r := &Receipt{
		Amount:     amount,
		Currency:   currency,
		Type:       txType,
		CardLast4:  ExtractCardLast4(text),
		Date:       date,
		Method:     MethodHumo,
		Confidence: confidenceHumo,
	}
	if m := humoOperator.FindStringSubmatch(text); m != nil {
		r.Operator = strings.TrimSpace(m[1])
	}
	if m := humoBalance.FindStringSubmatch(text); m != nil {
		if bal, balErr := NormalizeAmount(m[1]); balErr == nil {
			r.BalanceAfter = decimal.NullDecimal{Decimal: bal, Valid: true}
		}
	}
	if r.Currency == "" {
		if m := humoCurrency.FindStringSubmatch(text); m != nil {
			r.Currency = m[1]
		} else {
			r.Currency = "UZS"
		}
	}
	return r
}

func (p *RegexParser) parseSMS(text string) *Receipt {
	amountMatch := smsAmount.FindStringSubmatch(text)
	if amountMatch == nil {
		return nil
	}
	amount, err := NormalizeAmount(amountMatch[1])
	if err != nil {
		return nil
	}

	dtMatch := smsDatetime.FindStringSubmatch(text)
	if dtMatch == nil {
		return nil
	}
	date, err := ParseReceiptDate(dtMatch[1], dtMatch[2], p.loc)
	if err != nil {
		return nil
	}

	txType := TypeDebit
	if m := smsTypeWord.FindStringSubmatch(text); m != nil {
		switch m[1] {
		case "Popolnenie":
			txType = TypeCredit
		case "OTMENA":
			txType = TypeReversal
		}
	}

	r := &Receipt{
		Amount:     amount,
		Currency:   "UZS",
		Type:       txType,
		CardLast4:  ExtractCardLast4(text),
		Date:       date,
		Method:     MethodSMS,
		Confidence: confidenceSMS,
	}
	if m := smsOperator.FindStringSubmatch(text); m != nil {
		r.Operator = strings.TrimSpace(m[1])
	}
	if m := smsBalance.FindStringSubmatch(text); m != nil {
		if bal, balErr := NormalizeAmount(m[1]); balErr == nil {
			r.BalanceAfter = decimal.NullDecimal{Decimal: bal, Valid: true}
		}
	}
	return r
}

func (p *RegexParser) parseSemicolon(text string) *Receipt {
	cardAmount := semiCardAmount.FindStringSubmatch(text)
	if cardAmount == nil {
		return nil
	}
	amount, err := NormalizeAmount(cardAmount[3])
	if err != nil {
		return nil
	}

	txType := TypeDebit
	if cardAmount[2] == "popolnenie" {
		txType = TypeCredit
	}

	dtMatch := semiDatetime.FindStringSubmatch(text)
	if dtMatch == nil {
		return nil
	}
	date, err := ParseSemicolonDate(dtMatch[1], dtMatch[2], dtMatch[3], dtMatch[4], p.loc)
	if err != nil {
		return nil
	}

	r := &Receipt{
		Amount:     amount,
		Currency:   "UZS",
		Type:       txType,
		CardLast4:  cardAmount[1],
		Date:       date,
		Method:     MethodSemicolon,
		Confidence: confidenceSemicolon,
	}
	if m := semiOperator.FindStringSubmatch(text); m != nil {
		r.Operator = strings.TrimSpace(m[1])
	}
	if m := semiBalance.FindStringSubmatch(text); m != nil {
		if bal, balErr := NormalizeAmount(m[1]); balErr == nil {
			r.BalanceAfter = decimal.NullDecimal{Decimal: bal, Valid: true}
		}
	}
	return r
}

func (p *RegexParser) parseCardXabar(text string) *Receipt {
	amountMatch := cxAmount.FindStringSubmatch(text)
	if amountMatch == nil {
		return nil
	}
	amount, err := NormalizeAmount(amountMatch[1])
	if err != nil {
		return nil
	}
	currency := amountMatch[2]

	date, ok := p.parseEmojiDatetime(cxDatetime, text)
	if !ok {
		return nil
	}

	upper := strings.ToUpper(text)
	txType := TypeDebit
	switch {
	case strings.Contains(upper, "OTMENA"):
		txType = TypeReversal
	case strings.Contains(upper, "КОНВЕРС"), strings.Contains(upper, "CONVERS"),
		strings.Contains(upper, "KONVERS"):
		txType = TypeConversion
	case strings.Contains(text, "🟢"), strings.Contains(text, "➕"):
		txType = TypeCredit
	}

	r := &Receipt{
		Amount:     amount,
		Currency:   currency,
		Type:       txType,
		CardLast4:  ExtractCardLast4(text),
		Date:       date,
		Method:     MethodCardXabar,
		Confidence: confidenceCardXabar,
	}
	if m := cxOperator.FindStringSubmatch(text); m != nil {
		r.Operator = strings.TrimSpace(m[1])
	}
	if m := cxBalance.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			if bal, balErr := NormalizeAmount(m[1]); balErr == nil {
				r.BalanceAfter = decimal.NullDecimal{Decimal: bal, Valid: true}
			}
		}
		if r.Currency == "" && len(m) > 2 && m[2] != "" {
			r.Currency = m[2]
		}
	}
	if r.Currency == "" {
		r.Currency = "UZS"
	}
	return r
}

// parseEmojiDatetime обрабатывает оба порядка «время дата» и «дата время».
func (p *RegexParser) parseEmojiDatetime(re *regexp.Regexp, text string) (time.Time, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	var dateStr, timeStr string
	if m[1] != "" && m[2] != "" {
		timeStr, dateStr = m[1], m[2]
	} else {
		dateStr, timeStr = m[3], m[4]
	}
	date, err := ParseReceiptDate(dateStr, timeStr, p.loc)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}
