package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// Fingerprint строит контент-адрес чека: sha256 от модуля суммы, даты с
// минутным разрешением и последних четырёх цифр карты. Два сообщения с
// одинаковой суммой, минутой и картой — один и тот же чек, в каком бы чате
// он ни появился. Сумма канонизируется до двух знаков, чтобы "400000",
// "400000.0" и "400000.00" давали один отпечаток.
func Fingerprint(amount decimal.Decimal, date time.Time, cardLast4 string) string {
	if cardLast4 == "" {
		cardLast4 = "0000"
	}
	payload := amount.Abs().StringFixed(2) + "|" + date.Format("2006-01-02 15:04") + "|" + cardLast4
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
