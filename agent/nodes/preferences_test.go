package nodes

import (
	"testing"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

func TestExtractWindow(t *testing.T) {
	t.Parallel()

	day := func(d int) time.Time {
		return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name      string
		message   string
		hints     contractx.PatientHints
		wantFrom  time.Time
		wantTo    time.Time
		wantStart int
		wantEnd   int
		wantNil   bool
	}{
		{name: "nothing", message: "I have a rash", wantNil: true},
		{name: "today", message: "today please", wantFrom: fixedNow, wantTo: day(3)},
		{name: "tomorrow morning", message: "tomorrow morning works", wantFrom: day(3), wantTo: day(4), wantStart: 6, wantEnd: 12},
		{name: "next week", message: "sometime next week", wantFrom: day(9), wantTo: day(16)},
		{name: "explicit date", message: "on 2026-03-20 in the evening", wantFrom: day(20), wantTo: day(21), wantStart: 17, wantEnd: 21},
		{name: "afternoon only", message: "an afternoon slot", wantStart: 12, wantEnd: 17},
		{
			name:      "hints fill gaps",
			message:   "book me",
			hints:     contractx.PatientHints{PreferredDate: "tomorrow", PreferredTime: "Afternoon"},
			wantFrom:  day(3),
			wantTo:    day(4),
			wantStart: 12,
			wantEnd:   17,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractWindow(tc.message, tc.hints, fixedNow)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ExtractWindow() = %#v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ExtractWindow() = nil")
			}
			if !got.From.Equal(tc.wantFrom) || !got.To.Equal(tc.wantTo) {
				t.Fatalf("window = [%v, %v), want [%v, %v)", got.From, got.To, tc.wantFrom, tc.wantTo)
			}
			if got.DayStart != tc.wantStart || got.DayEnd != tc.wantEnd {
				t.Fatalf("day part = %d-%d, want %d-%d", got.DayStart, got.DayEnd, tc.wantStart, tc.wantEnd)
			}
		})
	}
}
