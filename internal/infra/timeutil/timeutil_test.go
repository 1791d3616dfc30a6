package timeutil

import (
	"testing"
	"time"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     string
		offset int // секунды от UTC
		ok     bool
	}{
		{name: "iana", in: "Asia/Tashkent", offset: 5 * 3600, ok: true},
		{name: "colonOffset", in: "+05:00", offset: 5 * 3600, ok: true},
		{name: "compactOffset", in: "-0700", offset: -7 * 3600, ok: true},
		{name: "utcPrefix", in: "UTC+5", offset: 5 * 3600, ok: true},
		{name: "gmtHalfHour", in: "GMT-04:30", offset: -(4*3600 + 30*60), ok: true},
		{name: "zulu", in: "Z", offset: 0, ok: true},
		{name: "empty", in: "", ok: false},
		{name: "garbage", in: "sometime", ok: false},
		{name: "hoursOutOfRange", in: "+15:00", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			loc, err := ParseLocation(tc.in)
			if !tc.ok {
				if err == nil {
					t.Fatalf("ParseLocation(%q): expected error, got %v", tc.in, loc)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLocation(%q): %v", tc.in, err)
			}
			_, offset := time.Date(2026, 1, 15, 12, 0, 0, 0, loc).Zone()
			if offset != tc.offset {
				t.Fatalf("ParseLocation(%q) offset = %d, want %d", tc.in, offset, tc.offset)
			}
		})
	}
}
