package nodes

import (
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

type IntentFamily string

const (
	FamilyScheduling IntentFamily = "scheduling"
	FamilyMedical    IntentFamily = "medical"
)

type IntentRule struct {
	Family   IntentFamily
	Keywords []string
}

var IntentRules = []IntentRule{
	{
		Family: FamilyScheduling,
		Keywords: []string{
			"schedule", "reschedule", "book", "booking", "book me", "appointment", "appointments",
			"see a doctor", "make an appointment", "need to see", "want to see", "available slot",
			"another time", "another slot", "different time", "earlier", "later",
		},
	},
	{
		Family: FamilyMedical,
		Keywords: []string{
			"pain", "hurt", "hurts", "ache", "aches", "symptom", "symptoms", "unwell", "sick", "ill",
			"fever", "cough", "headache", "nausea", "dizzy", "chest pain", "stomach", "rash",
			"bleeding", "injury", "injured", "wound", "infection", "vomiting", "breathing",
			"swelling", "anxiety", "depression", "pregnant", "pregnancy", "checkup", "check-up",
		},
	},
}

var intentMatchers = compileIntentRules(IntentRules)

func compileIntentRules(rules []IntentRule) map[IntentFamily]keywordMatcher {
	out := make(map[IntentFamily]keywordMatcher, len(rules))
	for _, rule := range rules {
		out[rule.Family] = newKeywordMatcher(rule.Keywords...)
	}
	return out
}

// SessionView is the part of a session the classifier may look at.
type SessionView struct {
	Phase        contractx.WorkflowState
	InProgress   bool
	ProviderType contractx.ProviderType
	Pending      bool
}

// ClassifyIntent is a pure function of the message and the session view.
func ClassifyIntent(message string, view SessionView) contractx.Decision {
	if view.Pending {
		return contractx.ResumeAt(contractx.StateAwaitingConfirmation)
	}

	if intentMatchers[FamilyScheduling].Any(message) {
		if view.InProgress && view.ProviderType.Valid() {
			return contractx.ResumeAt(contractx.StateScheduling)
		}
		return contractx.StartAt(contractx.StateTriage)
	}

	if intentMatchers[FamilyMedical].Any(message) {
		if !view.InProgress {
			return contractx.StartAt(contractx.StateTriage)
		}
		return resumeInterrupted(view)
	}

	return contractx.NoWorkflow()
}

func resumeInterrupted(view SessionView) contractx.Decision {
	switch view.Phase {
	case contractx.StateScheduling, contractx.StateAwaitingConfirmation:
		if view.ProviderType.Valid() {
			return contractx.ResumeAt(contractx.StateScheduling)
		}
	}
	return contractx.StartAt(contractx.StateTriage)
}
