package receipts_test

import (
	"testing"
	"time"

	"receiptbot/internal/domain/receipts"

	"github.com/shopspring/decimal"
)

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 8, 21, 14, 5, 0, 0, time.UTC)

	base := receipts.Fingerprint(decimal.RequireFromString("400000"), date, "6905")

	// Канонизация суммы: масштаб и знак не влияют на отпечаток.
	for _, raw := range []string{"400000.00", "400000.0", "-400000"} {
		if got := receipts.Fingerprint(decimal.RequireFromString(raw), date, "6905"); got != base {
			t.Fatalf("Fingerprint(%s) = %s, want %s", raw, got, base)
		}
	}

	// Секунды не участвуют: разрешение минутное.
	withSeconds := date.Add(30 * time.Second)
	if got := receipts.Fingerprint(decimal.RequireFromString("400000"), withSeconds, "6905"); got != base {
		t.Fatalf("Fingerprint with seconds = %s, want %s", got, base)
	}
}

func TestFingerprintDistinguishes(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 8, 21, 14, 5, 0, 0, time.UTC)
	base := receipts.Fingerprint(decimal.RequireFromString("400000"), date, "6905")

	cases := []struct {
		name string
		got  string
	}{
		{
			name: "differentAmount",
			got:  receipts.Fingerprint(decimal.RequireFromString("400000.01"), date, "6905"),
		},
		{
			name: "differentMinute",
			got:  receipts.Fingerprint(decimal.RequireFromString("400000"), date.Add(time.Minute), "6905"),
		},
		{
			name: "differentCard",
			got:  receipts.Fingerprint(decimal.RequireFromString("400000"), date, "1234"),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if tc.got == base {
				t.Fatalf("fingerprint collision: %s", tc.got)
			}
		})
	}
}

func TestFingerprintEmptyCardDefaultsToZeros(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 8, 21, 14, 5, 0, 0, time.UTC)
	amount := decimal.RequireFromString("100")

	if receipts.Fingerprint(amount, date, "") != receipts.Fingerprint(amount, date, "0000") {
		t.Fatal("empty card last4 must fingerprint as 0000")
	}
}
