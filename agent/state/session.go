package state

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

// DefaultHistoryTurns keeps six user/assistant exchanges.
const DefaultHistoryTurns = 12

var (
	ErrPhaseWithoutContext = errors.New("in-progress phase has no workflow context")
	ErrPendingOutsideGate  = errors.New("pending booking outside awaiting_confirmation")
	ErrUnknownPhase        = errors.New("unknown workflow phase")
)

// SessionState is everything remembered about one conversation between turns.
// Context is nil when no run is in progress. A context kept after a failed
// stage is resumed from Phase on the next message.
type SessionState struct {
	ConversationID   string                     `json:"conversation_id"`
	Phase            contractx.WorkflowState    `json:"phase"`
	Context          *contractx.WorkflowContext `json:"context,omitempty"`
	History          []contractx.Turn           `json:"history,omitempty"`
	PendingBookingID string                     `json:"pending_booking_id,omitempty"`
	LastBookingID    string                     `json:"last_booking_id,omitempty"`
	Patient          contractx.PatientIdentity  `json:"patient"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSessionState(conversationID string, now time.Time) *SessionState {
	return &SessionState{
		ConversationID: conversationID,
		Phase:          contractx.StateIdle,
		UpdatedAt:      now.UTC(),
	}
}

func (s *SessionState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// AppendTurn records a turn and keeps only the newest maxTurns entries.
func (s *SessionState) AppendTurn(role, text string, at time.Time, maxTurns int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.History = append(s.History, contractx.Turn{Role: role, Text: text, At: at.UTC()})
	if maxTurns > 0 && len(s.History) > maxTurns {
		s.History = slices.Clone(s.History[len(s.History)-maxTurns:])
	}
}

// LastReply returns the newest assistant turn.
func (s *SessionState) LastReply() (contractx.Turn, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == contractx.RoleAssistant {
			return s.History[i], true
		}
	}
	return contractx.Turn{}, false
}

// InProgress reports whether a run left a context to continue from.
func (s *SessionState) InProgress() bool {
	return s != nil && s.Context != nil
}

func (s *SessionState) Awaiting() bool {
	return s != nil && s.PendingBookingID != "" && s.Phase == contractx.StateAwaitingConfirmation
}

// SetContext stores a copy of wctx and the phase to resume from.
func (s *SessionState) SetContext(phase contractx.WorkflowState, wctx contractx.WorkflowContext) {
	s.Phase = phase
	s.Context = &wctx
	if p := wctx.Patient; p.Name != "" || p.Contact != "" {
		s.Patient = p.Merge(s.Patient)
	}
}

// ResetWorkflow drops the in-progress run so the next message starts from idle.
func (s *SessionState) ResetWorkflow() {
	s.Phase = contractx.StateIdle
	s.Context = nil
	s.PendingBookingID = ""
}

func validPhase(p contractx.WorkflowState) bool {
	switch p {
	case contractx.StateIdle,
		contractx.StateTriage,
		contractx.StateProviderMatching,
		contractx.StateScheduling,
		contractx.StateAwaitingConfirmation,
		contractx.StateBooked,
		contractx.StateAborted:
		return true
	}
	return false
}

func (s *SessionState) Validate() error {
	if strings.TrimSpace(s.ConversationID) == "" {
		return ErrInvalidSession
	}
	if s.Phase == "" {
		s.Phase = contractx.StateIdle
	}
	if !validPhase(s.Phase) {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, s.Phase)
	}
	switch s.Phase {
	case contractx.StateTriage, contractx.StateProviderMatching, contractx.StateScheduling, contractx.StateAwaitingConfirmation:
		if s.Context == nil {
			return fmt.Errorf("%w: phase=%s", ErrPhaseWithoutContext, s.Phase)
		}
	}
	if s.PendingBookingID != "" && s.Phase != contractx.StateAwaitingConfirmation {
		return fmt.Errorf("%w: phase=%s", ErrPendingOutsideGate, s.Phase)
	}
	return nil
}
