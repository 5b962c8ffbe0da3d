package orchestrator

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	nodex "github.com/tanpawarit/care-dialogue-scheduler/agent/nodes"
)

const (
	replyBackend    = "I'm having trouble reaching our scheduling service right now. Please try again in a moment, I've kept your details."
	replyValidation = "I need a little more detail before I can look for a slot. Could you describe your symptoms?"
	replyInternal   = "Something went wrong on our side. Let's start over: what brings you in today?"
	replyDeclined   = "No problem, I've cancelled that proposal. Let me know if you'd like to look for another time."
	replyInvariant  = "That slot isn't one of the options I offered. Please pick one of the listed options."
)

func formatStart(t time.Time) string {
	return t.Format("Mon Jan 2 at 15:04")
}

func workflowReply(in *nodex.Run) string {
	if in.Failure != nil {
		return failureReply(in.Failure, in.Context)
	}
	if in.Booking != nil && in.Phase == contractx.StateAwaitingConfirmation {
		return proposalReply(in.Context, in.Booking)
	}
	return replyInternal
}

func failureReply(f *nodex.Failure, wctx contractx.WorkflowContext) string {
	switch f.Kind() {
	case contractx.KindNoAvailability:
		label := "matching"
		if wctx.ProviderType.Valid() {
			label = wctx.ProviderType.Label()
		}
		return fmt.Sprintf("Sorry, I couldn't find any open %s appointments for that time. "+
			"Please try a different day or time, or check back later.", label)
	case contractx.KindBackend:
		return replyBackend
	case contractx.KindValidation:
		return replyValidation
	default:
		return replyInternal
	}
}

func proposalReply(wctx contractx.WorkflowContext, rec *contractx.BookingRecord) string {
	var b strings.Builder
	if wctx.Priority == contractx.PriorityUrgent {
		b.WriteString("Your symptoms may need immediate attention. ")
		if action := wctx.Extension(nodex.ExtTriageRecommendedAction); action != "" {
			b.WriteString(action + " ")
		}
	}
	fmt.Fprintf(&b, "I recommend seeing a %s. The best match is %s on %s (%d min).",
		rec.Snapshot.ProviderType.Label(),
		rec.Snapshot.ProviderName,
		formatStart(rec.Snapshot.Start),
		int(rec.Snapshot.Duration/time.Minute),
	)

	var others []string
	for i, cand := range wctx.Candidates {
		if cand.SlotID == rec.SlotID {
			continue
		}
		others = append(others, fmt.Sprintf("%d) %s, %s", i+1, cand.ProviderName, formatStart(cand.Start)))
	}
	if len(others) > 0 {
		b.WriteString(" Other options: " + strings.Join(others, "; ") + ".")
	}
	b.WriteString(" " + identityPrompt(wctx.Patient))
	return b.String()
}

func identityPrompt(p contractx.PatientIdentity) string {
	if p.Complete() {
		return "Reply yes to confirm, or choose another option."
	}
	return "To confirm, reply yes with " + missingIdentity(p) + "."
}

func missingIdentity(p contractx.PatientIdentity) string {
	var missing []string
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "your name")
	}
	if strings.TrimSpace(p.Contact) == "" {
		missing = append(missing, "a phone number or e-mail")
	}
	return strings.Join(missing, " and ")
}

func bookedReply(rec *contractx.BookingRecord) string {
	return fmt.Sprintf("You're booked with %s on %s. Your confirmation code is %s.",
		rec.Snapshot.ProviderName, formatStart(rec.Snapshot.Start), rec.ConfirmationCode)
}

func confirmationReply(in *nodex.Run) string {
	switch {
	case in.Rejected != nil:
		return rejectedReply(in.Rejected, in.Context.Patient)
	case in.Conflict != nil:
		return conflictReply(in)
	case in.Phase == contractx.StateBooked && in.Booking != nil:
		return bookedReply(in.Booking)
	default:
		return replyInternal
	}
}

func rejectedReply(err error, patient contractx.PatientIdentity) string {
	switch contractx.Kind(err) {
	case contractx.KindInvariant:
		return replyInvariant
	case contractx.KindValidation:
		if !patient.Complete() {
			return "I still need " + missingIdentity(patient) + " to confirm the booking."
		}
		return "Those appointment details don't match what I proposed. Please check the slot and try again."
	case contractx.KindBackend:
		return replyBackend
	default:
		return replyInternal
	}
}

func conflictReply(in *nodex.Run) string {
	const taken = "Sorry, that slot was just taken."
	if in.Failure != nil {
		return taken + " " + failureReply(in.Failure, in.Context)
	}
	if in.Booking != nil {
		return taken + " " + proposalReply(in.Context, in.Booking)
	}
	return taken
}

func pendingReminder(wctx contractx.WorkflowContext, rec *contractx.BookingRecord) string {
	return fmt.Sprintf("I'm holding %s on %s for you. %s",
		rec.Snapshot.ProviderName, formatStart(rec.Snapshot.Start), identityPrompt(wctx.Patient))
}
