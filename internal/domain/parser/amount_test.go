package parser_test

import (
	"testing"

	"receiptbot/internal/domain/parser"

	"github.com/shopspring/decimal"
)

func TestNormalizeAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "dotThousandsCommaDecimal", raw: "6.935.000,00", want: "6935000"},
		{name: "spaceThousandsCommaDecimal", raw: "2 052 200,14", want: "2052200.14"},
		{name: "spaceThousandsDotDecimal", raw: "351 750.00", want: "351750"},
		{name: "nbspThousands", raw: "1 250 000,50", want: "1250000.5"},
		{name: "plainInteger", raw: "125000", want: "125000"},
		{name: "commaOnlyDecimal", raw: "99,90", want: "99.9"},
		{name: "multipleDotsNoComma", raw: "1.234.567", want: "1234.567"},
		{name: "currencyNoise", raw: " 500 000,00 ", want: "500000"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parser.NormalizeAmount(tc.raw)
			if err != nil {
				t.Fatalf("NormalizeAmount(%q) error: %v", tc.raw, err)
			}
			want := decimal.RequireFromString(tc.want)
			if !got.Equal(want) {
				t.Fatalf("NormalizeAmount(%q) = %s, want %s", tc.raw, got, want)
			}
		})
	}
}

func TestNormalizeAmountRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "UZS", ".", ","} {
		if _, err := parser.NormalizeAmount(raw); err == nil {
			t.Fatalf("NormalizeAmount(%q) expected error, got nil", raw)
		}
	}
}

func TestExtractCardLast4(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want string
	}{
		{name: "starsOnly", text: "karta ***4862 spisanie", want: "4862"},
		{name: "binPrefix", text: "HUMO 479091**6905", want: "6905"},
		{name: "longMask", text: "532154**1744", want: "1744"},
		{name: "noMask", text: "oplata 125000 UZS", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := parser.ExtractCardLast4(tc.text); got != tc.want {
				t.Fatalf("ExtractCardLast4(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}
