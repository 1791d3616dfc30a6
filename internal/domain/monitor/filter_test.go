package monitor_test

import (
	"testing"

	"receiptbot/internal/domain/monitor"
	"receiptbot/internal/domain/receipts"
	"receiptbot/internal/domain/txstore"
)

const privateReceipt = "Pokupka: OOO PAYNET, 21.08.26 14:05, karta ***1234, summa:351 750.00 UZS"

func TestShouldProcess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		monitor txstore.Monitor
		msg     receipts.Message
		want    bool
	}{
		{
			name:    "pdfAlwaysPasses",
			monitor: txstore.Monitor{ChatType: "group", FilterMode: txstore.FilterWhitelist, FilterKeywords: `["nothing"]`},
			msg:     receipts.Message{ChatID: -100, HasPDF: true},
			want:    true,
		},
		{
			name:    "emptyTextRejected",
			monitor: txstore.Monitor{ChatType: "private"},
			msg:     receipts.Message{ChatID: 100, Text: "   "},
			want:    false,
		},
		{
			name:    "privateShortTextPasses",
			monitor: txstore.Monitor{ChatType: "private"},
			msg:     receipts.Message{ChatID: 100, Text: "hi"},
			want:    true,
		},
		{
			name:    "groupShortTextRejected",
			monitor: txstore.Monitor{ChatType: "group"},
			msg:     receipts.Message{ChatID: -100, Text: "hi"},
			want:    false,
		},
		{
			name:    "groupWithoutKeywordRejected",
			monitor: txstore.Monitor{ChatType: "group"},
			msg:     receipts.Message{ChatID: -100, Text: "обычное длинное сообщение без признаков"},
			want:    false,
		},
		{
			name:    "groupReceiptPasses",
			monitor: txstore.Monitor{ChatType: "supergroup"},
			msg:     receipts.Message{ChatID: -100, Text: privateReceipt},
			want:    true,
		},
		{
			name:    "negativeChatIDTreatedAsGroup",
			monitor: txstore.Monitor{},
			msg:     receipts.Message{ChatID: -100, Text: "короткий"},
			want:    false,
		},
		{
			name:    "whitelistHitPasses",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterWhitelist, FilterKeywords: `["paynet"]`},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    true,
		},
		{
			name:    "whitelistMissRejected",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterWhitelist, FilterKeywords: `["click"]`},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    false,
		},
		{
			name:    "whitelistWithoutKeywordsRejectsAll",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterWhitelist},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    false,
		},
		{
			name:    "whitelistHitInGroupStillNeedsDefaultKeywords",
			monitor: txstore.Monitor{ChatType: "group", FilterMode: txstore.FilterWhitelist, FilterKeywords: `["привет"]`},
			msg:     receipts.Message{ChatID: -100, Text: "привет, это длинное сообщение без чека"},
			want:    false,
		},
		{
			name:    "blacklistHitRejected",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterBlacklist, FilterKeywords: `["paynet"]`},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    false,
		},
		{
			name:    "blacklistMissPasses",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterBlacklist, FilterKeywords: `["spam"]`},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    true,
		},
		{
			name:    "blacklistWithoutKeywordsFallsBack",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterBlacklist},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    true,
		},
		{
			name:    "allModeKeywordHit",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterAll, FilterKeywords: `["paynet"]`},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    true,
		},
		{
			name:    "allModeKeywordMiss",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterAll, FilterKeywords: `["click"]`},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    false,
		},
		{
			name:    "allModeCommaSeparatedKeywords",
			monitor: txstore.Monitor{ChatType: "private", FilterMode: txstore.FilterAll, FilterKeywords: "click, paynet"},
			msg:     receipts.Message{ChatID: 100, Text: privateReceipt},
			want:    true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := monitor.ShouldProcess(&tc.monitor, &tc.msg); got != tc.want {
				t.Fatalf("ShouldProcess() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseKeywords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "jsonArray", raw: `["paynet", "click"]`, want: []string{"paynet", "click"}},
		{name: "jsonString", raw: `"paynet"`, want: []string{"paynet"}},
		{name: "commaSeparated", raw: "paynet, click ,humo", want: []string{"paynet", "click", "humo"}},
		{name: "blanksDropped", raw: "paynet,,  ,click", want: []string{"paynet", "click"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := monitor.ParseKeywords(tc.raw)
			if len(got) != len(tc.want) {
				t.Fatalf("ParseKeywords(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("ParseKeywords(%q) = %#v, want %#v", tc.raw, got, tc.want)
				}
			}
		})
	}
}
