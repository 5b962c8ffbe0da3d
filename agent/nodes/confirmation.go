package nodes

import (
	"regexp"
	"strconv"
	"strings"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

var (
	declineMatcher = newKeywordMatcher(
		"no", "nope", "cancel", "nevermind", "never mind", "not now", "don't book", "do not book", "stop",
	)
	affirmMatcher = newKeywordMatcher(
		"yes", "yeah", "yep", "confirm", "book it", "sounds good", "ok", "okay", "sure", "please do",
		"that works", "go ahead",
	)

	choicePattern = regexp.MustCompile(`(?i)(?:\boption|\bchoice|\bnumber|\bslot|#)\s*#?(\d{1,2})\b`)
	namePattern   = regexp.MustCompile(`(?i)\b(?:my name is|name is|name's|name:|call me)\s*([A-Za-z][A-Za-z'.\-]*(?:\s+[A-Za-z][A-Za-z'.\-]*){0,3})`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\(?\d[\d\s\-().]{6,}\d`)

	ordinalMatchers = func() []keywordMatcher {
		words := []string{"first", "second", "third", "fourth", "fifth"}
		out := make([]keywordMatcher, 0, len(words))
		for _, w := range words {
			out = append(out, newKeywordMatcher(w+" one", w+" option", w+" slot", "the "+w))
		}
		return out
	}()

	nameStopWords = map[string]struct{}{
		"and": {}, "my": {}, "email": {}, "phone": {}, "number": {}, "or": {}, "contact": {},
		"at": {}, "is": {}, "please": {}, "yes": {}, "confirm": {},
	}
)

const minPhoneDigits = 9

// ConfirmationReply is what a chat message says about a pending booking.
type ConfirmationReply struct {
	Decline bool
	Affirm  bool
	Choice  string
	Patient contractx.PatientIdentity
}

// ParseConfirmationReply reads a free-text answer to a proposal. A slot choice
// outranks both affirmation and decline words.
func ParseConfirmationReply(message string, candidates []contractx.Candidate) ConfirmationReply {
	out := ConfirmationReply{
		Choice:  chooseCandidate(message, candidates),
		Patient: ExtractIdentity(message),
		Affirm:  affirmMatcher.Any(message),
	}
	out.Decline = out.Choice == "" && !out.Affirm && out.Patient == (contractx.PatientIdentity{}) && declineMatcher.Any(message)
	return out
}

func chooseCandidate(message string, candidates []contractx.Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	lower := strings.ToLower(message)
	for _, cand := range candidates {
		if cand.SlotID != "" && strings.Contains(lower, strings.ToLower(cand.SlotID)) {
			return cand.SlotID
		}
	}
	if m := choicePattern.FindStringSubmatch(message); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1].SlotID
		}
	}
	for i, m := range ordinalMatchers {
		if i < len(candidates) && m.Any(lower) {
			return candidates[i].SlotID
		}
	}
	return ""
}

// ExtractIdentity pulls a name, e-mail or phone number out of free text.
// E-mail wins over phone as the contact.
func ExtractIdentity(message string) contractx.PatientIdentity {
	var p contractx.PatientIdentity
	if m := namePattern.FindStringSubmatch(message); m != nil {
		p.Name = trimName(m[1])
	}
	if email := emailPattern.FindString(message); email != "" {
		p.Contact = email
		return p
	}
	for _, candidate := range phonePattern.FindAllString(message, -1) {
		if isoDatePattern.MatchString(candidate) {
			continue
		}
		if countDigits(candidate) >= minPhoneDigits {
			p.Contact = strings.TrimSpace(candidate)
			break
		}
	}
	return p
}

func trimName(raw string) string {
	var kept []string
	for _, word := range strings.Fields(raw) {
		if _, stop := nameStopWords[strings.ToLower(strings.Trim(word, ".,"))]; stop {
			break
		}
		kept = append(kept, strings.Trim(word, ".,"))
	}
	return strings.Join(kept, " ")
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
