package orchestrator

import (
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

type ChatRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Message        string                 `json:"message"`
	Hints          contractx.PatientHints `json:"hints"`
}

// ChatResponse reports stage failures in Failure; the returned error is
// reserved for malformed requests and storage faults.
type ChatResponse struct {
	ConversationID    string                   `json:"conversation_id"`
	Reply             string                   `json:"reply"`
	Decision          string                   `json:"decision"`
	WorkflowTriggered bool                     `json:"workflow_triggered"`
	State             contractx.WorkflowState  `json:"state"`
	Priority          contractx.Priority       `json:"priority,omitempty"`
	ProviderType      contractx.ProviderType   `json:"provider_type,omitempty"`
	Candidates        []contractx.Candidate    `json:"candidates,omitempty"`
	PendingBooking    *contractx.BookingRecord `json:"pending_booking,omitempty"`
	Booking           *contractx.BookingRecord `json:"booking,omitempty"`
	Extensions        map[string]string        `json:"extensions,omitempty"`
	Failure           string                   `json:"failure,omitempty"`
}

// AppointmentEcho is what the caller believes it is confirming.
type AppointmentEcho struct {
	ProviderType string    `json:"provider_type,omitempty"`
	Start        time.Time `json:"start,omitempty"`
}

type ConfirmRequest struct {
	ConversationID string           `json:"conversation_id"`
	SlotID         string           `json:"slot_id"`
	PatientName    string           `json:"patient_name"`
	PatientContact string           `json:"patient_contact"`
	Details        *AppointmentEcho `json:"appointment_details,omitempty"`
}

type ConfirmResponse struct {
	ConversationID string                   `json:"conversation_id"`
	Confirmed      bool                     `json:"confirmed"`
	Reason         string                   `json:"reason,omitempty"`
	Reply          string                   `json:"reply"`
	Booking        *contractx.BookingRecord `json:"booking,omitempty"`
	PendingBooking *contractx.BookingRecord `json:"pending_booking,omitempty"`
	Alternatives   []contractx.Candidate    `json:"alternatives,omitempty"`
	State          contractx.WorkflowState  `json:"state"`
}
