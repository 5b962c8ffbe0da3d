package nodes

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

const (
	ExtMatchingReason = "matching.reason"

	pediatricAgeLimit = 18
)

type ProviderRule struct {
	Provider contractx.ProviderType
	Keywords []string
}

// ProviderRules is ordered; earlier rules win ties.
var ProviderRules = []ProviderRule{
	{
		Provider: contractx.ProviderCardiologist,
		Keywords: []string{
			"heart", "cardiac", "chest pain", "cardiovascular", "heart disease", "arrhythmia",
			"hypertension", "palpitations", "blood pressure",
		},
	},
	{
		Provider: contractx.ProviderPsychiatrist,
		Keywords: []string{
			"mental health", "depression", "anxiety", "psychiatric", "suicidal", "mental illness",
			"bipolar", "panic attack", "insomnia",
		},
	},
	{
		Provider: contractx.ProviderDermatologist,
		Keywords: []string{
			"skin", "rash", "acne", "dermatology", "mole", "moles", "skin cancer", "dermatitis",
			"eczema", "itchy", "itching",
		},
	},
	{
		Provider: contractx.ProviderOrthopedist,
		Keywords: []string{
			"bone", "fracture", "joint", "orthopedic", "broken bone", "sprain", "musculoskeletal",
			"arthritis", "knee", "back pain", "shoulder",
		},
	},
	{
		Provider: contractx.ProviderGynecologist,
		Keywords: []string{
			"women's health", "gynecological", "pregnancy", "pregnant", "reproductive", "menstrual",
			"pelvic", "period",
		},
	},
	{
		Provider: contractx.ProviderPediatrician,
		Keywords: []string{
			"pediatric", "children", "child", "infant", "infants", "baby", "toddler",
			"adolescent", "adolescents", "child health",
		},
	},
	{
		Provider: contractx.ProviderUrgentCare,
		Keywords: []string{
			"urgent", "minor injury", "minor injuries", "cut", "burn", "sprained", "stitches",
		},
	},
	{
		Provider: contractx.ProviderGeneralPractitioner,
		Keywords: []string{
			"general", "routine", "preventive", "chronic", "checkup", "check-up", "wellness",
			"physical", "cold", "flu", "cough",
		},
	},
}

var providerMatchers = compileProviderRules(ProviderRules)

type providerMatcher struct {
	provider contractx.ProviderType
	keywordMatcher
}

func compileProviderRules(rules []ProviderRule) []providerMatcher {
	out := make([]providerMatcher, 0, len(rules))
	for _, rule := range rules {
		out = append(out, providerMatcher{provider: rule.Provider, keywordMatcher: newKeywordMatcher(rule.Keywords...)})
	}
	return out
}

type ProviderMatch struct {
	Provider contractx.ProviderType
	Hits     []string
	Reason   string
}

// MatchProvider never returns an unset provider type.
func MatchProvider(text string, priority contractx.Priority, age int) ProviderMatch {
	best := ProviderMatch{Provider: contractx.ProviderGeneralPractitioner}
	for _, m := range providerMatchers {
		hits := m.Matches(text)
		if len(hits) > len(best.Hits) {
			best = ProviderMatch{Provider: m.provider, Hits: hits}
		}
	}

	switch {
	case len(best.Hits) > 0:
		best.Reason = fmt.Sprintf("Matched to %s based on: %s.", best.Provider.Label(), strings.Join(best.Hits, ", "))
	default:
		best.Reason = "No specialty signal found, defaulting to a general practitioner."
	}
	if best.Provider == contractx.ProviderGeneralPractitioner && age > 0 && age < pediatricAgeLimit {
		best.Provider = contractx.ProviderPediatrician
		best.Reason += " Pediatric care recommended based on age."
	}
	if priority.Valid() {
		best.Reason += fmt.Sprintf(" Priority level: %s.", priority)
	}
	return best
}

// MatchProviderStage fills the provider type unless the caller already chose one.
func MatchProviderStage(in *Run) (*Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil run", contractx.ErrValidation)
	}
	wctx := in.Context
	if !wctx.Priority.Valid() {
		return nil, fmt.Errorf("%w: provider matching needs a triage priority", contractx.ErrValidation)
	}

	text := wctx.SymptomSummary
	if text == "" {
		text = wctx.Message
	}
	match := MatchProvider(text, wctx.Priority, wctx.Hints.Age)
	in.Context = wctx.WithProvider(match.Provider, wctx.Hints.ProviderName).
		WithExtension(ExtMatchingReason, match.Reason)
	return in, nil
}
