package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

const (
	ExtTriageAssessment        = "triage.assessment"
	ExtTriageRecommendedAction = "triage.recommended_action"

	maxSummaryRunes = 240
)

type TriageRule struct {
	Priority contractx.Priority
	Keywords []string
}

// TriageRules are listed most severe first.
var TriageRules = []TriageRule{
	{
		Priority: contractx.PriorityUrgent,
		Keywords: []string{
			"chest pain", "heart attack", "cardiac arrest", "stopped breathing", "difficulty breathing",
			"can't breathe", "cannot breathe", "choking", "severe bleeding", "unconscious", "unresponsive",
			"severe allergic reaction", "anaphylaxis", "stroke", "seizure", "severe head injury",
			"severe trauma", "severe burn", "overdose", "poisoning", "suicidal", "self-harm",
		},
	},
	{
		Priority: contractx.PriorityHigh,
		Keywords: []string{
			"high fever", "severe pain", "severe headache", "severe abdominal pain", "broken bone",
			"fracture", "severe vomiting", "vomiting blood", "severe diarrhea", "severe dehydration",
			"severe infection", "worsening condition", "cannot urinate", "moderate bleeding", "head injury",
		},
	},
	{
		Priority: contractx.PriorityMedium,
		Keywords: []string{
			"fever", "infection", "vomiting", "persistent cough", "swelling", "rash", "sprain",
			"diarrhea", "migraine", "ear pain", "sore throat", "back pain", "joint pain", "palpitations",
			"anxiety", "depression",
		},
	},
	{
		Priority: contractx.PriorityLow,
		Keywords: []string{
			"mild", "minor", "checkup", "check-up", "routine", "follow-up", "prescription refill",
			"cold symptoms", "mild cough", "mild headache", "mild pain", "vaccination", "physical",
		},
	},
}

var triageMatchers = compileTriageRules(TriageRules)

type triageMatcher struct {
	priority contractx.Priority
	keywordMatcher
}

func compileTriageRules(rules []TriageRule) []triageMatcher {
	out := make([]triageMatcher, 0, len(rules))
	for _, rule := range rules {
		out = append(out, triageMatcher{priority: rule.Priority, keywordMatcher: newKeywordMatcher(rule.Keywords...)})
	}
	return out
}

type TriageResult struct {
	Priority          contractx.Priority
	Summary           string
	Signals           []string
	Assessment        string
	RecommendedAction string
}

// AssessSymptoms applies the keyword tiers and vitals. The most severe signal
// wins; no signal at all yields low.
func AssessSymptoms(message string, hints contractx.PatientHints) TriageResult {
	var (
		priority contractx.Priority
		signals  []string
	)
	for _, m := range triageMatchers {
		hits := m.Matches(message)
		if len(hits) == 0 {
			continue
		}
		priority = contractx.MaxPriority(priority, m.priority)
		signals = append(signals, hits...)
	}

	var vitals []string
	switch {
	case hints.TemperatureF >= 103:
		priority = contractx.MaxPriority(priority, contractx.PriorityHigh)
		vitals = append(vitals, fmt.Sprintf("temperature %.1fF", hints.TemperatureF))
	case hints.TemperatureF >= 100.4:
		priority = contractx.MaxPriority(priority, contractx.PriorityMedium)
		vitals = append(vitals, fmt.Sprintf("temperature %.1fF", hints.TemperatureF))
	}
	switch {
	case hints.PainLevel >= 7:
		priority = contractx.MaxPriority(priority, contractx.PriorityHigh)
		vitals = append(vitals, fmt.Sprintf("pain %d/10", hints.PainLevel))
	case hints.PainLevel >= 4:
		priority = contractx.MaxPriority(priority, contractx.PriorityMedium)
		vitals = append(vitals, fmt.Sprintf("pain %d/10", hints.PainLevel))
	}

	detected := priority.Valid()
	if !detected {
		priority = contractx.PriorityLow
	}

	res := TriageResult{
		Priority: priority,
		Signals:  signals,
		Summary:  summarize(message, signals, vitals, hints.Age),
	}
	res.Assessment, res.RecommendedAction = assessmentFor(priority, detected, hints)
	return res
}

func summarize(message string, signals, vitals []string, age int) string {
	parts := []string{truncateRunes(strings.Join(strings.Fields(message), " "), maxSummaryRunes)}
	if len(signals) > 0 {
		parts = append(parts, "signals: "+strings.Join(signals, ", "))
	}
	if len(vitals) > 0 {
		parts = append(parts, "vitals: "+strings.Join(vitals, ", "))
	}
	if note := ageNote(age); note != "" {
		parts = append(parts, note)
	}
	return strings.Join(parts, "; ")
}

func ageNote(age int) string {
	switch {
	case age <= 0:
		return ""
	case age < 2:
		return "infant patient"
	case age >= 65:
		return "elderly patient"
	default:
		return ""
	}
}

func assessmentFor(p contractx.Priority, detected bool, hints contractx.PatientHints) (string, string) {
	var assessment, action string
	switch {
	case p == contractx.PriorityUrgent:
		assessment = "Emergency condition detected. Immediate medical attention required."
		action = "Call 911 or go to the nearest emergency room immediately."
	case p == contractx.PriorityHigh && hints.TemperatureF >= 103:
		assessment = fmt.Sprintf("High fever detected (%.1fF). Medical attention recommended.", hints.TemperatureF)
		action = "Seek medical care, especially if fever persists or other symptoms develop."
	case p == contractx.PriorityHigh:
		assessment = "Urgent condition detected. Prompt medical attention recommended within hours."
		action = "Seek urgent care or visit emergency room if symptoms worsen."
	case p == contractx.PriorityMedium:
		assessment = "Condition needs attention within a few days."
		action = "Book the earliest convenient appointment and monitor symptoms."
	case detected:
		assessment = "Routine condition. Non-urgent medical attention."
		action = "Schedule a regular appointment or consult with a healthcare provider."
	default:
		assessment = "Unable to determine priority from provided information. Additional assessment may be needed."
		action = "Consult with a healthcare provider for proper evaluation."
	}
	switch note := ageNote(hints.Age); note {
	case "infant patient":
		assessment += " Infant patient, consider pediatric evaluation."
	case "elderly patient":
		assessment += " Elderly patient, monitor closely."
	}
	return assessment, action
}

// Triage writes priority and summary into the run context. When gen is set
// its answer is merged with the keyword result.
func Triage(ctx context.Context, in *Run, gen contractx.Generator, systemPrompt string) (*Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil run", contractx.ErrValidation)
	}
	wctx := in.Context
	message := strings.TrimSpace(wctx.Message)
	if message == "" {
		message = strings.TrimSpace(wctx.SymptomSummary)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: triage needs a symptom description", contractx.ErrValidation)
	}

	res := AssessSymptoms(message, wctx.Hints)
	if gen != nil && strings.TrimSpace(systemPrompt) != "" {
		text, err := gen.Generate(ctx, triageInput(message, wctx.Hints), contractx.GenerateOptions{
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			if !errors.Is(err, contractx.ErrBackendFailure) {
				err = fmt.Errorf("%w: %w", contractx.ErrBackendFailure, err)
			}
			return nil, fmt.Errorf("triage generate: %w", err)
		}
		if out, perr := parseTriageOutput(ctx, text); perr != nil {
			zerolog.Ctx(ctx).Warn().Err(perr).Str("raw", truncateRunes(text, 200)).Msg("triage output ignored")
		} else {
			res.Priority = contractx.MaxPriority(res.Priority, out.Priority)
			if out.Summary != "" {
				res.Summary = out.Summary
			}
		}
	}

	// Summaries from earlier turns on the same run are kept.
	summary := res.Summary
	if prev := strings.TrimSpace(wctx.SymptomSummary); prev != "" && !strings.Contains(prev, summary) {
		summary = truncateRunes(prev+" | "+summary, maxSummaryRunes*2)
	}

	wctx = wctx.WithSymptoms(summary).
		WithPriority(res.Priority).
		WithExtension(ExtTriageAssessment, res.Assessment).
		WithExtension(ExtTriageRecommendedAction, res.RecommendedAction)
	in.Context = wctx
	return in, nil
}

func triageInput(message string, hints contractx.PatientHints) string {
	var b strings.Builder
	b.WriteString(message)
	if hints.Age > 0 {
		fmt.Fprintf(&b, "\nage: %d", hints.Age)
	}
	if hints.TemperatureF > 0 {
		fmt.Fprintf(&b, "\ntemperature: %.1fF", hints.TemperatureF)
	}
	if hints.PainLevel > 0 {
		fmt.Fprintf(&b, "\npain: %d/10", hints.PainLevel)
	}
	return b.String()
}

type triageOutput struct {
	Summary  string `json:"summary"`
	Priority string `json:"priority"`
}

var triageParser = schema.NewMessageJSONParser[triageOutput](&schema.MessageJSONParseConfig{
	ParseFrom: schema.MessageParseFromContent,
})

type parsedTriage struct {
	Summary  string
	Priority contractx.Priority
}

// parseTriageOutput tolerates prose or code fences around the JSON object.
func parseTriageOutput(ctx context.Context, text string) (parsedTriage, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return parsedTriage{}, fmt.Errorf("%w: no json object in triage output", contractx.ErrSchemaViolation)
	}
	out, err := triageParser.Parse(ctx, schema.AssistantMessage(text[start:end+1], nil))
	if err != nil {
		return parsedTriage{}, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}
	priority := contractx.ParsePriority(out.Priority)
	if priority == "" {
		return parsedTriage{}, fmt.Errorf("%w: unknown priority %q", contractx.ErrSchemaViolation, out.Priority)
	}
	return parsedTriage{
		Summary:  truncateRunes(strings.TrimSpace(out.Summary), maxSummaryRunes),
		Priority: priority,
	}, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}
