package contract

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities by severity. Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParsePriority(raw string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return ""
	}
	return p
}

type ProviderType string

const (
	ProviderGeneralPractitioner ProviderType = "general_practitioner"
	ProviderCardiologist        ProviderType = "cardiologist"
	ProviderDermatologist       ProviderType = "dermatologist"
	ProviderOrthopedist         ProviderType = "orthopedist"
	ProviderPsychiatrist        ProviderType = "psychiatrist"
	ProviderGynecologist        ProviderType = "gynecologist"
	ProviderPediatrician        ProviderType = "pediatrician"
	ProviderUrgentCare          ProviderType = "urgent_care"
)

var providerTypes = map[ProviderType]string{
	ProviderGeneralPractitioner: "general practitioner",
	ProviderCardiologist:        "cardiologist",
	ProviderDermatologist:       "dermatologist",
	ProviderOrthopedist:         "orthopedist",
	ProviderPsychiatrist:        "psychiatrist",
	ProviderGynecologist:        "gynecologist",
	ProviderPediatrician:        "pediatrician",
	ProviderUrgentCare:          "urgent care",
}

func (p ProviderType) Valid() bool {
	_, ok := providerTypes[p]
	return ok
}

// Label is the human readable name used in replies and query text.
func (p ProviderType) Label() string {
	if label, ok := providerTypes[p]; ok {
		return label
	}
	return strings.ReplaceAll(string(p), "_", " ")
}

func ParseProviderType(raw string) ProviderType {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	if normalized == "primary_care" || normalized == "gp" {
		return ProviderGeneralPractitioner
	}
	p := ProviderType(normalized)
	if !p.Valid() {
		return ""
	}
	return p
}

// WorkflowState is a Workflow Controller state.
type WorkflowState string

const (
	StateIdle                 WorkflowState = "idle"
	StateTriage               WorkflowState = "triage"
	StateProviderMatching     WorkflowState = "provider_matching"
	StateScheduling           WorkflowState = "scheduling"
	StateAwaitingConfirmation WorkflowState = "awaiting_confirmation"
	StateBooked               WorkflowState = "booked"
	StateAborted              WorkflowState = "aborted"
)

type DecisionKind string

const (
	DecisionNoWorkflow DecisionKind = "no_workflow"
	DecisionStartAt    DecisionKind = "start_at"
	DecisionResumeAt   DecisionKind = "resume_at"
)

// Decision is the Intent Classifier output. Resuming at awaiting_confirmation
// routes the turn to the confirmation handler.
type Decision struct {
	Kind  DecisionKind  `json:"kind"`
	Stage WorkflowState `json:"stage,omitempty"`
}

func NoWorkflow() Decision {
	return Decision{Kind: DecisionNoWorkflow}
}

func StartAt(stage WorkflowState) Decision {
	return Decision{Kind: DecisionStartAt, Stage: stage}
}

func ResumeAt(stage WorkflowState) Decision {
	return Decision{Kind: DecisionResumeAt, Stage: stage}
}

func (d Decision) RunsWorkflow() bool {
	return d.Kind == DecisionStartAt || (d.Kind == DecisionResumeAt && d.Stage != StateAwaitingConfirmation)
}

func (d Decision) String() string {
	if d.Stage == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + "(" + string(d.Stage) + ")"
}

type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type PatientIdentity struct {
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
}

func (p PatientIdentity) Complete() bool {
	return strings.TrimSpace(p.Name) != "" && strings.TrimSpace(p.Contact) != ""
}

// Merge fills empty fields of p from other.
func (p PatientIdentity) Merge(other PatientIdentity) PatientIdentity {
	if strings.TrimSpace(p.Name) == "" {
		p.Name = strings.TrimSpace(other.Name)
	}
	if strings.TrimSpace(p.Contact) == "" {
		p.Contact = strings.TrimSpace(other.Contact)
	}
	return p
}

// PatientHints are optional caller supplied facts about the patient.
type PatientHints struct {
	Name          string  `json:"name,omitempty"`
	Contact       string  `json:"contact,omitempty"`
	Age           int     `json:"age,omitempty"`
	TemperatureF  float64 `json:"temperature_f,omitempty"`
	PainLevel     int     `json:"pain_level,omitempty"`
	ProviderType  string  `json:"provider_type,omitempty"`
	ProviderName  string  `json:"provider_name,omitempty"`
	PreferredDate string  `json:"preferred_date,omitempty"`
	PreferredTime string  `json:"preferred_time,omitempty"`
}

func (h PatientHints) Identity() PatientIdentity {
	return PatientIdentity{Name: strings.TrimSpace(h.Name), Contact: strings.TrimSpace(h.Contact)}
}

// Candidate is a ranked slot as surfaced to the session.
type Candidate struct {
	SlotID       string        `json:"slot_id"`
	ProviderType ProviderType  `json:"provider_type"`
	ProviderName string        `json:"provider_name"`
	Start        time.Time     `json:"start"`
	Duration     time.Duration `json:"duration"`
	Summary      string        `json:"summary,omitempty"`
	Score        float64       `json:"score"`
}

// TimeWindow restricts slot start times. Zero bounds are open; DayStart and
// DayEnd are hours of the day in Location, or in the slot's own location when
// Location is nil (0 means unset).
type TimeWindow struct {
	From     time.Time      `json:"from,omitempty"`
	To       time.Time      `json:"to,omitempty"`
	DayStart int            `json:"day_start,omitempty"`
	DayEnd   int            `json:"day_end,omitempty"`
	Location *time.Location `json:"-"`
}

func (w *TimeWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	if w.DayEnd > 0 {
		if w.Location != nil {
			t = t.In(w.Location)
		}
		hour := t.Hour()
		if hour < w.DayStart || hour >= w.DayEnd {
			return false
		}
	}
	return true
}

func (w *TimeWindow) IsZero() bool {
	return w == nil || (w.From.IsZero() && w.To.IsZero() && w.DayEnd == 0)
}

type RetrievalQuery struct {
	ProviderType ProviderType
	ProviderName string
	Window       *TimeWindow
	NotBefore    time.Time // slots starting earlier are skipped; zero disables
	Preference   string
	Priority     Priority
	Exclude      []string
	K            int
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending_confirmation"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// AppointmentSnapshot is copied from the slot when the record is created.
type AppointmentSnapshot struct {
	ProviderType ProviderType  `json:"provider_type"`
	ProviderName string        `json:"provider_name"`
	Start        time.Time     `json:"start"`
	Duration     time.Duration `json:"duration"`
	Summary      string        `json:"summary,omitempty"`
}

type BookingRecord struct {
	ID               string              `json:"id"`
	SlotID           string              `json:"slot_id"`
	ConversationID   string              `json:"conversation_id"`
	Patient          PatientIdentity     `json:"patient"`
	Snapshot         AppointmentSnapshot `json:"snapshot"`
	Status           BookingStatus       `json:"status"`
	ConfirmationCode string              `json:"confirmation_code,omitempty"`
	CancelReason     string              `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	ConfirmedAt      *time.Time          `json:"confirmed_at,omitempty"`
}

func (r *BookingRecord) IsPending() bool {
	return r != nil && r.Status == BookingPending
}

type GenerateOptions struct {
	SystemPrompt string
	History      []Turn
	Temperature  *float32
	MaxTokens    int
}
