package nodes

import (
	"regexp"
	"strings"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

type dayPart struct {
	name       string
	start, end int
}

var dayParts = []dayPart{
	{name: "morning", start: 6, end: 12},
	{name: "afternoon", start: 12, end: 17},
	{name: "evening", start: 17, end: 21},
}

var (
	isoDatePattern  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	dayPartMatchers = func() map[string]keywordMatcher {
		out := make(map[string]keywordMatcher, len(dayParts))
		for _, p := range dayParts {
			out[p.name] = newKeywordMatcher(p.name)
		}
		return out
	}()
	todayMatcher    = newKeywordMatcher("today", "asap", "as soon as possible")
	tomorrowMatcher = newKeywordMatcher("tomorrow")
	nextWeekMatcher = newKeywordMatcher("next week")
)

// ExtractWindow derives a time window from the message, falling back to the
// preferred date and time in hints. Days and day parts are read in now's
// location. It returns nil when nothing was asked for.
func ExtractWindow(message string, hints contractx.PatientHints, now time.Time) *contractx.TimeWindow {
	w := contractx.TimeWindow{Location: now.Location()}

	from, to, ok := dayWindow(message, now)
	if !ok && hints.PreferredDate != "" {
		from, to, ok = dayWindow(hints.PreferredDate, now)
	}
	if ok {
		w.From, w.To = from, to
	}

	part, ok := dayPartOf(message)
	if !ok && hints.PreferredTime != "" {
		part, ok = dayPartOf(hints.PreferredTime)
	}
	if ok {
		w.DayStart, w.DayEnd = part.start, part.end
	}

	if w.IsZero() {
		return nil
	}
	return &w
}

func dayWindow(text string, now time.Time) (time.Time, time.Time, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch {
	case isoDatePattern.MatchString(text):
		day, err := time.ParseInLocation(time.DateOnly, isoDatePattern.FindStringSubmatch(text)[1], now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return day, day.AddDate(0, 0, 1), true
	case tomorrowMatcher.Any(text):
		return today.AddDate(0, 0, 1), today.AddDate(0, 0, 2), true
	case nextWeekMatcher.Any(text):
		return today.AddDate(0, 0, 7), today.AddDate(0, 0, 14), true
	case todayMatcher.Any(text):
		return now, today.AddDate(0, 0, 1), true
	default:
		return time.Time{}, time.Time{}, false
	}
}

func dayPartOf(text string) (dayPart, bool) {
	text = strings.ToLower(text)
	for _, p := range dayParts {
		if dayPartMatchers[p.name].Any(text) {
			return p, true
		}
	}
	return dayPart{}, false
}
