package slot

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

// Spec describes a slot before its embedding is computed.
type Spec struct {
	ID           string                 `json:"id" yaml:"id"`
	ProviderID   string                 `json:"provider_id,omitempty" yaml:"provider_id"`
	ProviderType contractx.ProviderType `json:"provider_type" yaml:"provider_type"`
	ProviderName string                 `json:"provider_name" yaml:"provider_name"`
	Start        time.Time              `json:"start" yaml:"start"`
	Duration     time.Duration          `json:"duration" yaml:"duration"`
	Summary      string                 `json:"summary,omitempty" yaml:"summary"`
	Unavailable  bool                   `json:"unavailable,omitempty" yaml:"unavailable"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: slot id is required", contractx.ErrValidation)
	}
	if !s.ProviderType.Valid() {
		return fmt.Errorf("%w: slot %s has unknown provider type %q", contractx.ErrValidation, s.ID, s.ProviderType)
	}
	if s.Start.IsZero() {
		return fmt.Errorf("%w: slot %s has no start time", contractx.ErrValidation, s.ID)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%w: slot %s has no duration", contractx.ErrValidation, s.ID)
	}
	return nil
}

// Describe returns the text that is embedded for the slot.
func (s Spec) Describe() string {
	if summary := strings.TrimSpace(s.Summary); summary != "" {
		return summary
	}
	return fmt.Sprintf("%s appointment with %s on %s %s at %s for %d minutes.",
		s.ProviderType.Label(),
		s.ProviderName,
		s.Start.Weekday(),
		DayPart(s.Start),
		s.Start.Format("2006-01-02 15:04"),
		int(s.Duration/time.Minute),
	)
}

// DayPart names the part of the day a time falls in.
func DayPart(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	default:
		return "evening"
	}
}

// Slot is a bookable appointment. Everything except availability is fixed
// once the slot is in an Index.
type Slot struct {
	ID           string
	ProviderID   string
	ProviderType contractx.ProviderType
	ProviderName string
	Start        time.Time
	Duration     time.Duration
	Summary      string
	Embedding    []float64

	available atomic.Bool
}

func newSlot(spec Spec, vector []float64) *Slot {
	s := &Slot{
		ID:           strings.TrimSpace(spec.ID),
		ProviderID:   strings.TrimSpace(spec.ProviderID),
		ProviderType: spec.ProviderType,
		ProviderName: strings.TrimSpace(spec.ProviderName),
		Start:        spec.Start,
		Duration:     spec.Duration,
		Summary:      spec.Describe(),
		Embedding:    vector,
	}
	s.available.Store(!spec.Unavailable)
	return s
}

func (s *Slot) Available() bool {
	return s.available.Load()
}

// Claim flips availability from true to false. Only one caller can win.
func (s *Slot) Claim() bool {
	return s.available.CompareAndSwap(true, false)
}

// Release makes a claimed slot bookable again.
func (s *Slot) Release() bool {
	return s.available.CompareAndSwap(false, true)
}

func (s *Slot) Candidate(score float64) contractx.Candidate {
	return contractx.Candidate{
		SlotID:       s.ID,
		ProviderType: s.ProviderType,
		ProviderName: s.ProviderName,
		Start:        s.Start,
		Duration:     s.Duration,
		Summary:      s.Summary,
		Score:        score,
	}
}

func (s *Slot) Snapshot() contractx.AppointmentSnapshot {
	return contractx.AppointmentSnapshot{
		ProviderType: s.ProviderType,
		ProviderName: s.ProviderName,
		Start:        s.Start,
		Duration:     s.Duration,
		Summary:      s.Summary,
	}
}
