package parser_test

import (
	"strings"
	"testing"

	"receiptbot/internal/domain/parser"
)

func TestMaskSensitive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "fullCardNumber",
			text: "karta 8600123456789012, spisanie",
			want: "karta ************9012, spisanie",
		},
		{
			name: "spacedCardNumber",
			text: "8600 1234 5678 9012",
			want: "************9012",
		},
		{
			name: "phoneNumber",
			text: "tel +998901234567",
			want: "tel +********4567",
		},
		{
			name: "maskedCardUntouched",
			text: "HUMO ***4862",
			want: "HUMO ***4862",
		},
		{
			name: "amountsUntouched",
			text: "summa:2 052 200,14 UZS balans:351 750.00 UZS",
			want: "summa:2 052 200,14 UZS balans:351 750.00 UZS",
		},
		{
			name: "datesUntouched",
			text: "21.08.2026 14:05",
			want: "21.08.2026 14:05",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := parser.MaskSensitive(tc.text); got != tc.want {
				t.Fatalf("MaskSensitive(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestMaskSensitiveKeepsLastFourOnly(t *testing.T) {
	t.Parallel()

	got := parser.MaskSensitive("perevod na kartu 9860123412345678 ot +998712345678")
	if strings.Contains(got, "98601234") {
		t.Fatalf("card digits leaked: %q", got)
	}
	if strings.Contains(got, "9871234") {
		t.Fatalf("phone digits leaked: %q", got)
	}
	if !strings.Contains(got, "5678") {
		t.Fatalf("card last4 missing: %q", got)
	}
}
