// Package parser — каскад разбора банковских чеков: детерминированные
// регулярные диалекты узбекских банковских уведомлений, GPT-фоллбек по тексту,
// извлечение текста из PDF (текстовый слой → OCR) и vision-фоллбек по картинкам
// страниц. Каждая стратегия возвращает Receipt с тегом метода и самооценкой
// уверенности; оркестратор решает, достаточно ли её, и двигается по каскаду.
package parser

import (
	"time"

	"github.com/shopspring/decimal"
)

// Канонические типы транзакций.
const (
	TypeDebit      = "DEBIT"
	TypeCredit     = "CREDIT"
	TypeConversion = "CONVERSION"
	TypeReversal   = "REVERSAL"
)

// Теги методов разбора. Попадают в колонку parsing_method без преобразований.
const (
	MethodHumo      = "REGEX_HUMO"
	MethodSMS       = "REGEX_SMS"
	MethodSemicolon = "REGEX_SEMICOLON"
	MethodCardXabar = "REGEX_CARDXABAR"
	MethodGPT       = "GPT"
	MethodGPTVision = "GPT_VISION"
)

// Receipt — результат одной стратегии разбора. Amount здесь всегда по модулю:
// знак навешивается позже, когда известен канонический тип (DEBIT → минус).
// Date локализована в таймзону чатов; нулевое значение допустимо только до
// пост-валидации.
type Receipt struct {
	Amount       decimal.Decimal
	Currency     string
	Type         string
	CardLast4    string
	Operator     string
	Date         time.Time
	BalanceAfter decimal.NullDecimal
	ReceiverName string
	ReceiverCard string
	IsP2P        *bool
	Method       string
	Confidence   float64
}
