package contract

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// WorkflowContext is threaded through the stages as a value. Every With*
// method returns a copy; slices and maps are never shared between values.
type WorkflowContext struct {
	RunID          string            `json:"run_id"`
	Message        string            `json:"message"`
	SymptomSummary string            `json:"symptom_summary,omitempty"`
	Priority       Priority          `json:"priority,omitempty"`
	ProviderType   ProviderType      `json:"provider_type,omitempty"`
	ProviderName   string            `json:"provider_name,omitempty"`
	Candidates     []Candidate       `json:"candidates,omitempty"`
	SelectedSlotID string            `json:"selected_slot_id,omitempty"`
	Excluded       []string          `json:"excluded,omitempty"`
	Patient        PatientIdentity   `json:"patient"`
	Hints          PatientHints      `json:"hints"`
	Extensions     map[string]string `json:"extensions,omitempty"`
}

func NewWorkflowContext(runID, message string, hints PatientHints) WorkflowContext {
	wctx := WorkflowContext{
		RunID:   runID,
		Message: strings.TrimSpace(message),
		Hints:   hints,
		Patient: hints.Identity(),
	}
	if pt := ParseProviderType(hints.ProviderType); pt != "" {
		wctx.ProviderType = pt
	}
	wctx.ProviderName = strings.TrimSpace(hints.ProviderName)
	return wctx
}

func (c WorkflowContext) clone() WorkflowContext {
	c.Candidates = slices.Clone(c.Candidates)
	c.Excluded = slices.Clone(c.Excluded)
	c.Extensions = maps.Clone(c.Extensions)
	return c
}

// WithMessage starts a new turn on the same run. Hints only fill gaps.
func (c WorkflowContext) WithMessage(message string, hints PatientHints) WorkflowContext {
	out := c.clone()
	out.Message = strings.TrimSpace(message)
	out.Patient = out.Patient.Merge(hints.Identity())
	if out.ProviderType == "" {
		out.ProviderType = ParseProviderType(hints.ProviderType)
	}
	if hints.Age > 0 {
		out.Hints.Age = hints.Age
	}
	if hints.TemperatureF > 0 {
		out.Hints.TemperatureF = hints.TemperatureF
	}
	if hints.PainLevel > 0 {
		out.Hints.PainLevel = hints.PainLevel
	}
	if hints.PreferredDate != "" {
		out.Hints.PreferredDate = hints.PreferredDate
	}
	if hints.PreferredTime != "" {
		out.Hints.PreferredTime = hints.PreferredTime
	}
	return out
}

func (c WorkflowContext) WithSymptoms(summary string) WorkflowContext {
	out := c.clone()
	out.SymptomSummary = strings.TrimSpace(summary)
	return out
}

// WithPriority keeps the higher of the current and the proposed priority.
func (c WorkflowContext) WithPriority(p Priority) WorkflowContext {
	out := c.clone()
	out.Priority = MaxPriority(c.Priority, p)
	return out
}

func (c WorkflowContext) WithProvider(pt ProviderType, name string) WorkflowContext {
	out := c.clone()
	out.ProviderType = pt
	if strings.TrimSpace(name) != "" {
		out.ProviderName = strings.TrimSpace(name)
	}
	return out
}

// WithCandidates replaces the candidate list and drops a selection that is
// no longer part of it.
func (c WorkflowContext) WithCandidates(candidates []Candidate) WorkflowContext {
	out := c.clone()
	out.Candidates = slices.Clone(candidates)
	if out.SelectedSlotID != "" && !out.HasCandidate(out.SelectedSlotID) {
		out.SelectedSlotID = ""
	}
	return out
}

func (c WorkflowContext) WithSelection(slotID string) (WorkflowContext, error) {
	if !c.HasCandidate(slotID) {
		return c, fmt.Errorf("%w: slot %q is not in the current candidate list", ErrInvariantViolation, slotID)
	}
	out := c.clone()
	out.SelectedSlotID = slotID
	return out, nil
}

func (c WorkflowContext) WithExcluded(slotID string) WorkflowContext {
	out := c.clone()
	if slotID != "" && !slices.Contains(out.Excluded, slotID) {
		out.Excluded = append(out.Excluded, slotID)
	}
	return out
}

func (c WorkflowContext) WithPatient(p PatientIdentity) WorkflowContext {
	out := c.clone()
	out.Patient = p.Merge(out.Patient)
	return out
}

func (c WorkflowContext) WithExtension(key, value string) WorkflowContext {
	out := c.clone()
	if out.Extensions == nil {
		out.Extensions = make(map[string]string, 4)
	}
	out.Extensions[key] = value
	return out
}

func (c WorkflowContext) Extension(key string) string {
	return c.Extensions[key]
}

func (c WorkflowContext) HasCandidate(slotID string) bool {
	if strings.TrimSpace(slotID) == "" {
		return false
	}
	for _, cand := range c.Candidates {
		if cand.SlotID == slotID {
			return true
		}
	}
	return false
}

func (c WorkflowContext) Candidate(slotID string) (Candidate, bool) {
	for _, cand := range c.Candidates {
		if cand.SlotID == slotID {
			return cand, true
		}
	}
	return Candidate{}, false
}

func (c WorkflowContext) Selected() (Candidate, bool) {
	return c.Candidate(c.SelectedSlotID)
}

// RequireProvider reports a validation failure when no provider type is set.
func (c WorkflowContext) RequireProvider() error {
	if !c.ProviderType.Valid() {
		return fmt.Errorf("%w: provider type is required before slot retrieval", ErrValidation)
	}
	return nil
}
