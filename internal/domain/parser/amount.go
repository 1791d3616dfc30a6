package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	nonAmountChars = regexp.MustCompile(`[^0-9.]`)

	// Маски номеров карт в порядке убывания специфичности:
	// ***4862, 479091**6905, 532154**1744 и т.п.
	cardMaskPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\*+(\d{4})`),
		regexp.MustCompile(`\d+\*+(\d{4})`),
		regexp.MustCompile(`\d+\*+\d*(\d{4})`),
	}
)

// NormalizeAmount приводит денежную строку к decimal.
// Правила разбора банковских форматов:
//   - неразрывные пробелы и пробелы-разделители тысяч удаляются;
//   - если есть и точка и запятая — точки считаются разделителями тысяч,
//     запятая десятичным разделителем ("6.935.000,00" → 6935000.00);
//   - если только запятая — она десятичный разделитель ("2052200,14");
//   - несколько точек без запятой: все точки, кроме последней, считаются
//     разделителями тысяч, последняя — десятичной ("1.234.567" → 1234.567).
func NormalizeAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(raw, "\u00a0", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.TrimSpace(cleaned)

	hasDot := strings.Contains(cleaned, ".")
	hasComma := strings.Contains(cleaned, ",")

	switch {
	case hasDot && hasComma:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case hasComma:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}

	cleaned = nonAmountChars.ReplaceAllString(cleaned, "")

	if strings.Count(cleaned, ".") > 1 {
		parts := strings.Split(cleaned, ".")
		cleaned = strings.Join(parts[:len(parts)-1], "") + "." + parts[len(parts)-1]
	}

	if cleaned == "" || cleaned == "." {
		return decimal.Decimal{}, fmt.Errorf("invalid amount string %q", raw)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount string %q: %w", raw, err)
	}
	return d, nil
}

// ExtractCardLast4 достаёт последние четыре цифры карты из любой формы маски.
// Пустая строка означает, что маски в тексте нет.
func ExtractCardLast4(text string) string {
	for _, pat := range cardMaskPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParseReceiptDate разбирает дату формата DD.MM.YY или DD.MM.YYYY плюс время
// HH:MM и локализует в loc. Двузначный год трактуется как 20YY.
func ParseReceiptDate(dateStr, timeStr string, loc *time.Location) (time.Time, error) {
	parts := strings.Split(dateStr, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid date %q", dateStr)
	}
	year := parts[2]
	if len(year) == 2 {
		year = "20" + year
	}
	t, err := time.ParseInLocation("2.1.2006 15:04",
		fmt.Sprintf("%s.%s.%s %s", parts[0], parts[1], year, timeStr), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q %q: %w", dateStr, timeStr, err)
	}
	return t, nil
}

// ParseSemicolonDate разбирает дату формата YY-MM-DD с временем HH:MM.
func ParseSemicolonDate(year, month, day, timeStr string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04",
		fmt.Sprintf("20%s-%s-%s %s", year, month, day, timeStr), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %s-%s-%s %s: %w", year, month, day, timeStr, err)
	}
	return t, nil
}
