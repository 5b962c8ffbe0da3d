package nodes

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

// SelectSlot checks a confirmation against the latest candidate list and the
// pending proposal. Choosing a different candidate replaces the proposal.
func SelectSlot(ctx context.Context, in *Run, booker contractx.Booker, replaceReason string) (*Run, error) {
	if in == nil || in.Confirm == nil {
		return nil, fmt.Errorf("%w: confirmation input is required", contractx.ErrValidation)
	}
	if booker == nil {
		return nil, fmt.Errorf("%w: booking agent is not configured", contractx.ErrBackendFailure)
	}
	slotID := in.Confirm.SlotID

	wctx, err := in.Context.WithSelection(slotID)
	if err != nil {
		return nil, err
	}

	snapshot := candidateSnapshot(wctx, slotID)
	if in.Booking != nil && in.Booking.SlotID == slotID {
		snapshot = in.Booking.Snapshot
	}
	if err := checkEcho(in.Confirm, snapshot); err != nil {
		return nil, err
	}

	if in.Booking != nil && in.Booking.SlotID != slotID {
		if _, err := booker.Cancel(ctx, in.Booking.ID, replaceReason); err != nil && !errors.Is(err, contractx.ErrValidation) {
			return nil, fmt.Errorf("replace proposal: %w", err)
		}
		in.Booking = nil
	}

	wctx = wctx.WithPatient(in.Confirm.Patient)
	if in.Booking == nil {
		rec, err := booker.Propose(ctx, in.ConversationID, wctx, slotID)
		if err != nil {
			return nil, fmt.Errorf("propose booking: %w", err)
		}
		in.Booking = rec
	}
	if in.Phase == contractx.StateScheduling {
		if err := in.Advance(contractx.StateAwaitingConfirmation); err != nil {
			return nil, err
		}
	}
	in.Context = wctx
	return in, nil
}

func candidateSnapshot(wctx contractx.WorkflowContext, slotID string) contractx.AppointmentSnapshot {
	cand, _ := wctx.Candidate(slotID)
	return contractx.AppointmentSnapshot{
		ProviderType: cand.ProviderType,
		ProviderName: cand.ProviderName,
		Start:        cand.Start,
		Duration:     cand.Duration,
		Summary:      cand.Summary,
	}
}

func checkEcho(in *ConfirmInput, snapshot contractx.AppointmentSnapshot) error {
	if in.EchoProvider != "" && in.EchoProvider != snapshot.ProviderType {
		return fmt.Errorf("%w: appointment provider %q does not match proposed %q",
			contractx.ErrValidation, in.EchoProvider, snapshot.ProviderType)
	}
	if !in.EchoStart.IsZero() && !in.EchoStart.Equal(snapshot.Start) {
		return fmt.Errorf("%w: appointment start %s does not match proposed %s",
			contractx.ErrValidation, in.EchoStart.Format("2006-01-02T15:04Z07:00"), snapshot.Start.Format("2006-01-02T15:04Z07:00"))
	}
	return nil
}

// Commit finalizes the pending proposal. Losing the slot race is not an error
// here: the cancelled record is kept on the run and the slot is excluded from
// the next retrieval.
func Commit(ctx context.Context, in *Run, booker contractx.Booker) (*Run, error) {
	if in == nil || in.Booking == nil {
		return nil, fmt.Errorf("%w: no pending booking to commit", contractx.ErrValidation)
	}
	if booker == nil {
		return nil, fmt.Errorf("%w: booking agent is not configured", contractx.ErrBackendFailure)
	}
	slotID := in.Booking.SlotID

	rec, err := booker.Commit(ctx, in.Booking.ID, slotID, in.Context.Patient)
	switch {
	case errors.Is(err, contractx.ErrConfirmationConflict):
		in.Conflict = rec
		in.Booking = nil
		in.Context = in.Context.WithExcluded(slotID)
		return in, nil
	case err != nil:
		return nil, err
	}

	if err := in.Advance(contractx.StateBooked); err != nil {
		return nil, err
	}
	in.Booking = rec
	return in, nil
}
