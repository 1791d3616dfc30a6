package receipts_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"receiptbot/internal/domain/parser"
	"receiptbot/internal/domain/receipts"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "messageNotFound", err: receipts.ErrMessageNotFound, want: true},
		{name: "wrappedNotFound", err: fmt.Errorf("fetch: %w", receipts.ErrMessageNotFound), want: true},
		{name: "visionUnavailable", err: receipts.ErrVisionUnavailable, want: true},
		{name: "unsupportedDocument", err: receipts.ErrUnsupportedDocument, want: true},
		{name: "cannotParse", err: parser.ErrUnparsed, want: true},
		{name: "emptyContent", err: parser.ErrEmptyText, want: true},
		{name: "invalidField", err: errors.New("invalid transaction_date in reply"), want: true},
		{name: "missingField", err: errors.New("model reply missing amount"), want: true},
		{name: "timeout", err: context.DeadlineExceeded, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "transport", err: errors.New("connection reset by peer"), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := receipts.IsPermanent(tc.err); got != tc.want {
				t.Fatalf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
