package parser

import (
	"regexp"
	"strings"
)

var (
	// Карточные номера: 12–19 цифр с необязательными разделителями.
	cardDigitRun = regexp.MustCompile(`(?:\d[ -]?){12,19}`)
	// Телефонные номера: 10–15 цифр, опциональный плюс.
	phoneDigitRun = regexp.MustCompile(`\+?\d[\d -]{9,14}`)
	nonDigits     = regexp.MustCompile(`\D`)
)

// MaskSensitive маскирует длинные цифровые последовательности перед отправкой
// текста во внешнюю модель: от карточных и телефонных номеров остаются только
// последние четыре цифры. Короткие числа (суммы, даты) не трогаются.
func MaskSensitive(text string) string {
	masked := cardDigitRun.ReplaceAllStringFunc(text, maskDigits)
	return phoneDigitRun.ReplaceAllStringFunc(masked, maskDigits)
}

func maskDigits(match string) string {
	digits := nonDigits.ReplaceAllString(match, "")
	if len(digits) <= 8 {
		return match
	}
	stars := len(digits) - 4
	if stars < 4 {
		stars = 4
	}
	return strings.Repeat("*", stars) + digits[len(digits)-4:]
}
