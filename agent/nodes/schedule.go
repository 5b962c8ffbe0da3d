package nodes

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

const ExtSchedulingReasoning = "scheduling.reasoning"

// Schedule retrieves candidates for the run. An empty result is reported as
// ErrNoAvailability with the empty list already written to the context.
func Schedule(ctx context.Context, in *Run, retriever contractx.Retriever, k int) (*Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil run", contractx.ErrValidation)
	}
	if retriever == nil {
		return nil, fmt.Errorf("%w: retriever is not configured", contractx.ErrBackendFailure)
	}
	wctx := in.Context
	if err := wctx.RequireProvider(); err != nil {
		return nil, err
	}

	window := ExtractWindow(wctx.Message, wctx.Hints, in.Now)
	candidates, err := retriever.Retrieve(ctx, contractx.RetrievalQuery{
		ProviderType: wctx.ProviderType,
		ProviderName: wctx.ProviderName,
		Window:       window,
		NotBefore:    in.Now,
		Preference:   wctx.Message,
		Priority:     wctx.Priority,
		Exclude:      wctx.Excluded,
		K:            k,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve slots: %w", err)
	}

	in.Context = wctx.WithCandidates(candidates)
	if len(candidates) == 0 {
		return in, fmt.Errorf("%w: no %s slots%s", contractx.ErrNoAvailability, wctx.ProviderType.Label(), describeWindow(window))
	}
	in.Context = in.Context.WithExtension(ExtSchedulingReasoning, schedulingReasoning(candidates[0], wctx))
	return in, nil
}

func schedulingReasoning(top contractx.Candidate, wctx contractx.WorkflowContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found appointment slot with %s on %s at %s.",
		top.ProviderName, top.Start.Format("2006-01-02"), top.Start.Format("15:04"))
	if msg := strings.TrimSpace(wctx.Message); msg != "" {
		fmt.Fprintf(&b, " Matched based on: '%s'.", truncateRunes(msg, 80))
	}
	if wctx.Priority == contractx.PriorityUrgent {
		b.WriteString(" Prioritized for urgent scheduling.")
	}
	return b.String()
}

func describeWindow(w *contractx.TimeWindow) string {
	if w.IsZero() {
		return ""
	}
	var parts []string
	if !w.From.IsZero() {
		parts = append(parts, "from "+w.From.Format("2006-01-02 15:04"))
	}
	if !w.To.IsZero() {
		parts = append(parts, "before "+w.To.Format("2006-01-02"))
	}
	if w.DayEnd > 0 {
		parts = append(parts, fmt.Sprintf("between %02d:00 and %02d:00", w.DayStart, w.DayEnd))
	}
	return " " + strings.Join(parts, " ")
}

// ProposeTop selects the best candidate and opens a pending booking for it.
func ProposeTop(ctx context.Context, in *Run, booker contractx.Booker) (*Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil run", contractx.ErrValidation)
	}
	if booker == nil {
		return nil, fmt.Errorf("%w: booking agent is not configured", contractx.ErrBackendFailure)
	}
	if len(in.Context.Candidates) == 0 {
		return nil, fmt.Errorf("%w: nothing to propose", contractx.ErrNoAvailability)
	}

	slotID := in.Context.SelectedSlotID
	if slotID == "" {
		slotID = in.Context.Candidates[0].SlotID
	}
	wctx, err := in.Context.WithSelection(slotID)
	if err != nil {
		return nil, err
	}
	rec, err := booker.Propose(ctx, in.ConversationID, wctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("propose booking: %w", err)
	}
	in.Context = wctx
	in.Booking = rec
	return in, nil
}
