package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/agents/assistant"
	bookingx "github.com/tanpawarit/care-dialogue-scheduler/agent/booking"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	nodex "github.com/tanpawarit/care-dialogue-scheduler/agent/nodes"
	statex "github.com/tanpawarit/care-dialogue-scheduler/agent/state"
	logx "github.com/tanpawarit/care-dialogue-scheduler/pkg/logger"
	metricsx "github.com/tanpawarit/care-dialogue-scheduler/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTopK = 5

	replyExpired = "The appointment I was holding for you has expired. Let me know if you'd like me to look for another time."
)

type Config struct {
	TopK         int
	HistoryTurns int
}

// Deps are the collaborators of the workflow. Retriever and Booker are
// required; a nil TriageModel keeps triage rule based.
type Deps struct {
	Retriever    contractx.Retriever
	Booker       contractx.Booker
	Assistant    *assistant.Assistant
	TriageModel  contractx.Generator
	TriagePrompt string
	Metrics      *metricsx.WorkflowMetrics
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocation sets the zone that day words like "tomorrow" and "morning" are
// read in, normally the slot catalog's. The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.loc = loc
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// Orchestrator is the Workflow Controller. Every entry point holds the
// conversation lock for its whole duration.
type Orchestrator struct {
	store     statex.Store
	locks     *statex.KeyedLocker
	retriever contractx.Retriever
	booker    contractx.Booker
	assistant *assistant.Assistant
	metrics   *metricsx.WorkflowMetrics
	tracer    trace.Tracer

	triageGen    contractx.Generator
	triagePrompt string

	topK         int
	historyTurns int

	workflowRunner compose.Runnable[*nodex.Run, *nodex.Run]
	confirmRunner  compose.Runnable[*nodex.Run, *nodex.Run]

	now   func() time.Time
	loc   *time.Location
	newID func() string
}

func New(store statex.Store, deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if deps.Booker == nil {
		return nil, errors.New("booking agent is required")
	}

	ctx := context.Background()
	if deps.Assistant == nil {
		fallback, err := assistant.New(ctx, nil, "")
		if err != nil {
			return nil, err
		}
		deps.Assistant = fallback
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	historyTurns := cfg.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = statex.DefaultHistoryTurns
	}

	o := &Orchestrator{
		store:        store,
		locks:        statex.NewKeyedLocker(),
		retriever:    deps.Retriever,
		booker:       deps.Booker,
		assistant:    deps.Assistant,
		metrics:      deps.Metrics,
		tracer:       otel.Tracer("care.agent.orchestrator"),
		triageGen:    deps.TriageModel,
		triagePrompt: strings.TrimSpace(deps.TriagePrompt),
		topK:         topK,
		historyTurns: historyTurns,
		now:          time.Now,
		loc:          time.UTC,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	workflowRunner, err := o.compileWorkflowGraph(ctx)
	if err != nil {
		return nil, err
	}
	confirmRunner, err := o.compileConfirmGraph(ctx)
	if err != nil {
		return nil, err
	}
	o.workflowRunner = workflowRunner
	o.confirmRunner = confirmRunner
	return o, nil
}

// turnResult is what one chat turn produced before it is written back.
type turnResult struct {
	reply   string
	outcome string
	failure string
	run     *nodex.Run
	pending *contractx.BookingRecord
	booking *contractx.BookingRecord
}

func (o *Orchestrator) begin(ctx context.Context, span, conversationID string) (context.Context, trace.Span, func(), error) {
	ctx = logx.WithConversation(ctx, conversationID)
	ctx, sp := o.tracer.Start(ctx, span, trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	unlock, err := o.locks.Lock(ctx, conversationID)
	if err != nil {
		sp.End()
		return ctx, nil, nil, err
	}
	return ctx, sp, unlock, nil
}

// HandleMessage processes one chat turn. Stage failures are reported in the
// response; the error is reserved for malformed requests and storage faults.
func (o *Orchestrator) HandleMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	message := strings.TrimSpace(req.Message)
	resp := ChatResponse{ConversationID: conversationID}
	if conversationID == "" {
		return resp, fmt.Errorf("%w: conversation id is required", contractx.ErrValidation)
	}
	if message == "" {
		return resp, fmt.Errorf("%w: message is empty", contractx.ErrValidation)
	}

	ctx, span, unlock, err := o.begin(ctx, "orchestrator.handle_message", conversationID)
	if err != nil {
		return resp, err
	}
	defer span.End()
	defer unlock()

	st, _, err := o.loadSession(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		return resp, err
	}

	now := o.now().UTC()
	history := slices.Clone(st.History)
	st.AppendTurn(contractx.RoleUser, message, now, o.historyTurns)
	st.Patient = st.Patient.Merge(req.Hints.Identity())

	var result turnResult
	pending, err := o.refreshPending(ctx, st)
	if err != nil {
		result = degraded(ctx, err)
	} else {
		decision := nodex.ClassifyIntent(message, sessionView(st, pending))
		resp.Decision = decision.String()
		switch {
		case decision.Kind == contractx.DecisionResumeAt && decision.Stage == contractx.StateAwaitingConfirmation:
			result, err = o.handlePendingReply(ctx, st, pending, message, req.Hints)
		case decision.RunsWorkflow():
			result, err = o.runWorkflow(ctx, st, decision, message, req.Hints, history)
			resp.WorkflowTriggered = err == nil
		default:
			result = turnResult{
				reply:   o.assistant.Reply(ctx, assistant.Request{Message: message, History: history}),
				outcome: string(contractx.DecisionNoWorkflow),
			}
		}
		if err != nil {
			span.RecordError(err)
			o.metrics.ObserveRun("chat", contractx.Kind(err))
			return resp, err
		}
	}

	st.AppendTurn(contractx.RoleAssistant, result.reply, o.now().UTC(), o.historyTurns)
	st.Touch(o.now())
	if err := o.store.Save(ctx, st); err != nil {
		span.RecordError(err)
		o.metrics.ObserveRun("chat", contractx.KindBackend)
		return resp, fmt.Errorf("%w: save session: %w", contractx.ErrBackendFailure, err)
	}
	o.metrics.ObserveRun("chat", result.outcome)

	resp.Reply = result.reply
	resp.Failure = result.failure
	resp.PendingBooking = result.pending
	resp.Booking = result.booking
	describe(&resp, st, result.run)

	zerolog.Ctx(ctx).Info().
		Str("decision", resp.Decision).
		Str("state", string(resp.State)).
		Str("outcome", result.outcome).
		Bool("workflow_triggered", resp.WorkflowTriggered).
		Msg("chat turn handled")
	return resp, nil
}

func sessionView(st *statex.SessionState, pending *contractx.BookingRecord) nodex.SessionView {
	view := nodex.SessionView{
		Phase:      st.Phase,
		InProgress: st.InProgress(),
		Pending:    pending != nil,
	}
	if st.Context != nil {
		view.ProviderType = st.Context.ProviderType
	}
	return view
}

func describe(resp *ChatResponse, st *statex.SessionState, run *nodex.Run) {
	resp.State = st.Phase
	var wctx *contractx.WorkflowContext
	if run != nil {
		resp.State = run.Phase
		wctx = &run.Context
	} else if st.Context != nil {
		wctx = st.Context
	}
	if wctx == nil {
		return
	}
	resp.Priority = wctx.Priority
	resp.ProviderType = wctx.ProviderType
	resp.Candidates = slices.Clone(wctx.Candidates)
	resp.Extensions = maps.Clone(wctx.Extensions)
}

func degraded(ctx context.Context, err error) turnResult {
	zerolog.Ctx(ctx).Warn().Err(err).Msg("pending booking lookup failed")
	return turnResult{reply: replyBackend, outcome: contractx.KindBackend, failure: contractx.KindBackend}
}

func (o *Orchestrator) runWorkflow(
	ctx context.Context,
	st *statex.SessionState,
	decision contractx.Decision,
	message string,
	hints contractx.PatientHints,
	history []contractx.Turn,
) (turnResult, error) {
	phase := st.Phase
	var wctx contractx.WorkflowContext
	if st.Context != nil {
		wctx = st.Context.WithMessage(message, hints)
	} else {
		phase = contractx.StateIdle
		wctx = contractx.NewWorkflowContext(o.newID(), message, hints).WithPatient(st.Patient)
	}

	run := nodex.NewRun(st.ConversationID, phase, wctx, o.now().In(o.loc))
	run.Decision = decision
	run.History = history

	out, err := o.workflowRunner.Invoke(ctx, run)
	if err != nil {
		return turnResult{}, fmt.Errorf("run workflow: %w", err)
	}
	o.applyRun(st, out)
	return resultFromRun(out), nil
}

// applyRun writes the outcome of a workflow or confirmation run back to the
// session.
func (o *Orchestrator) applyRun(st *statex.SessionState, out *nodex.Run) {
	switch {
	case out.Rejected != nil:
		if out.Booking.IsPending() {
			st.SetContext(contractx.StateAwaitingConfirmation, out.Context)
			st.PendingBookingID = out.Booking.ID
		}
	case out.Failure != nil:
		phase, keep := nodex.ResumePhase(out.Failure)
		if !keep {
			st.ResetWorkflow()
			return
		}
		st.PendingBookingID = ""
		st.SetContext(phase, out.Context)
	case out.Phase == contractx.StateAwaitingConfirmation && out.Booking != nil:
		st.SetContext(contractx.StateAwaitingConfirmation, out.Context)
		st.PendingBookingID = out.Booking.ID
	case out.Phase == contractx.StateBooked && out.Booking != nil:
		st.Patient = out.Booking.Patient.Merge(st.Patient)
		st.LastBookingID = out.Booking.ID
		st.ResetWorkflow()
	default:
		st.ResetWorkflow()
	}
}

func resultFromRun(out *nodex.Run) turnResult {
	res := turnResult{reply: out.Reply, outcome: runOutcome(out), run: out}
	switch {
	case out.Rejected != nil:
		res.failure = contractx.Kind(out.Rejected)
	case out.Failure != nil:
		res.failure = out.Failure.Kind()
	}
	if out.Booking.IsPending() {
		res.pending = out.Booking
	}
	if out.Phase == contractx.StateBooked {
		res.booking = out.Booking
	}
	return res
}

func runOutcome(out *nodex.Run) string {
	switch {
	case out.Rejected != nil:
		return contractx.Kind(out.Rejected)
	case out.Failure != nil:
		return out.Failure.Kind()
	case out.Conflict != nil:
		return "rescheduled"
	default:
		return string(out.Phase)
	}
}

// refreshPending returns the session's pending booking, dropping the
// reference when the record was cancelled or expired behind its back.
func (o *Orchestrator) refreshPending(ctx context.Context, st *statex.SessionState) (*contractx.BookingRecord, error) {
	if st.PendingBookingID == "" {
		return nil, nil
	}
	rec, err := o.booker.Get(ctx, st.PendingBookingID)
	if err != nil && !errors.Is(err, contractx.ErrValidation) {
		return nil, err
	}
	if rec.IsPending() && st.Context != nil {
		return rec, nil
	}
	zerolog.Ctx(ctx).Info().Str("booking_id", st.PendingBookingID).Msg("dropping stale pending booking")
	dropPending(st)
	return nil, nil
}

func dropPending(st *statex.SessionState) {
	st.PendingBookingID = ""
	if st.Context == nil {
		st.ResetWorkflow()
		return
	}
	st.Phase = contractx.StateScheduling
}

func (o *Orchestrator) handlePendingReply(
	ctx context.Context,
	st *statex.SessionState,
	rec *contractx.BookingRecord,
	message string,
	hints contractx.PatientHints,
) (turnResult, error) {
	wctx := *st.Context
	parsed := nodex.ParseConfirmationReply(message, wctx.Candidates)
	identity := parsed.Patient.
		Merge(hints.Identity()).
		Merge(wctx.Patient).
		Merge(st.Patient).
		Merge(rec.Patient)

	if parsed.Decline {
		if _, err := o.booker.Cancel(ctx, rec.ID, bookingx.ReasonDeclined); err != nil && !errors.Is(err, contractx.ErrValidation) {
			return degraded(ctx, err), nil
		}
		st.ResetWorkflow()
		return turnResult{reply: replyDeclined, outcome: "declined"}, nil
	}

	slotID := rec.SlotID
	if parsed.Choice != "" {
		slotID = parsed.Choice
	}
	input := nodex.ConfirmInput{SlotID: slotID, Patient: identity}

	if parsed.Affirm && identity.Complete() {
		out, err := o.confirm(ctx, st, rec, input)
		if err != nil {
			return turnResult{}, err
		}
		o.applyRun(st, out)
		return resultFromRun(out), nil
	}

	if slotID != rec.SlotID {
		run, err := o.confirmRun(st, rec, input)
		if err != nil {
			return turnResult{}, err
		}
		out, err := nodex.SelectSlot(ctx, run, o.booker, bookingx.ReasonReplaced)
		if err != nil {
			kind := contractx.Kind(err)
			return turnResult{reply: rejectedReply(err, identity), outcome: kind, failure: kind}, nil
		}
		o.applyRun(st, out)
		return turnResult{
			reply:   proposalReply(out.Context, out.Booking),
			outcome: "reselected",
			run:     out,
			pending: out.Booking,
		}, nil
	}

	st.SetContext(st.Phase, wctx.WithPatient(identity))
	return turnResult{
		reply:   pendingReminder(*st.Context, rec),
		outcome: string(contractx.StateAwaitingConfirmation),
		pending: rec,
	}, nil
}

func (o *Orchestrator) confirmRun(st *statex.SessionState, rec *contractx.BookingRecord, input nodex.ConfirmInput) (*nodex.Run, error) {
	if st.Context == nil {
		return nil, fmt.Errorf("%w: no slots have been offered in this conversation", contractx.ErrInvariantViolation)
	}
	switch st.Phase {
	case contractx.StateScheduling, contractx.StateAwaitingConfirmation:
	default:
		return nil, fmt.Errorf("%w: conversation is not scheduling (phase=%s)", contractx.ErrInvariantViolation, st.Phase)
	}
	run := nodex.NewRun(st.ConversationID, st.Phase, *st.Context, o.now().In(o.loc))
	run.Decision = contractx.ResumeAt(contractx.StateAwaitingConfirmation)
	run.Booking = rec
	run.Confirm = &input
	return run, nil
}

func (o *Orchestrator) confirm(ctx context.Context, st *statex.SessionState, rec *contractx.BookingRecord, input nodex.ConfirmInput) (*nodex.Run, error) {
	run, err := o.confirmRun(st, rec, input)
	if err != nil {
		return nil, err
	}
	out, err := o.confirmRunner.Invoke(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("run confirmation: %w", err)
	}
	return out, nil
}

// ConfirmBooking confirms slotID for the conversation. A lost slot race
// returns ErrConfirmationConflict together with the rescheduled alternatives.
func (o *Orchestrator) ConfirmBooking(ctx context.Context, req ConfirmRequest) (ConfirmResponse, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	slotID := strings.TrimSpace(req.SlotID)
	resp := ConfirmResponse{ConversationID: conversationID}
	if conversationID == "" {
		return resp, fmt.Errorf("%w: conversation id is required", contractx.ErrValidation)
	}
	if slotID == "" {
		return resp, fmt.Errorf("%w: slot id is required", contractx.ErrValidation)
	}

	input := nodex.ConfirmInput{
		SlotID: slotID,
		Patient: contractx.PatientIdentity{
			Name:    strings.TrimSpace(req.PatientName),
			Contact: strings.TrimSpace(req.PatientContact),
		},
	}
	if req.Details != nil {
		if raw := strings.TrimSpace(req.Details.ProviderType); raw != "" {
			input.EchoProvider = contractx.ParseProviderType(raw)
			if input.EchoProvider == "" {
				return resp, fmt.Errorf("%w: unknown provider type %q", contractx.ErrValidation, raw)
			}
		}
		input.EchoStart = req.Details.Start
	}

	ctx, span, unlock, err := o.begin(ctx, "orchestrator.confirm_booking", conversationID)
	if err != nil {
		return resp, err
	}
	defer span.End()
	defer unlock()

	fail := func(err error) (ConfirmResponse, error) {
		span.RecordError(err)
		resp.Reason = contractx.Kind(err)
		o.metrics.ObserveRun("confirm", resp.Reason)
		return resp, err
	}

	st, found, err := o.loadSession(ctx, conversationID)
	if err != nil {
		return fail(err)
	}
	resp.State = st.Phase
	pending, err := o.refreshPending(ctx, st)
	if err != nil {
		return fail(err)
	}
	input.Patient = input.Patient.Merge(st.Patient)

	out, err := o.confirm(ctx, st, pending, input)
	if err != nil {
		resp.Reply = rejectedReply(err, input.Patient)
		if found {
			if saveErr := o.store.Save(ctx, st); saveErr != nil {
				zerolog.Ctx(ctx).Warn().Err(saveErr).Msg("save session after rejected confirmation")
			}
		}
		return fail(err)
	}

	o.applyRun(st, out)
	st.AppendTurn(contractx.RoleAssistant, out.Reply, o.now().UTC(), o.historyTurns)
	st.Touch(o.now())
	if err := o.store.Save(ctx, st); err != nil {
		return fail(fmt.Errorf("%w: save session: %w", contractx.ErrBackendFailure, err))
	}

	resp.Reply = out.Reply
	resp.State = out.Phase
	if out.Booking.IsPending() {
		resp.PendingBooking = out.Booking
	}

	switch {
	case out.Rejected != nil:
		return fail(fmt.Errorf("confirm booking: %w", out.Rejected))
	case out.Conflict != nil:
		if out.Failure == nil {
			resp.Alternatives = slices.Clone(out.Context.Candidates)
		}
		return fail(fmt.Errorf("%w: slot %s", contractx.ErrConfirmationConflict, slotID))
	}

	resp.Confirmed = true
	resp.Booking = out.Booking
	o.metrics.ObserveRun("confirm", string(contractx.StateBooked))
	zerolog.Ctx(ctx).Info().
		Str("booking_id", out.Booking.ID).
		Str("slot_id", out.Booking.SlotID).
		Msg("booking confirmed")
	return resp, nil
}

// ClearSession cancels any pending booking and forgets the conversation.
func (o *Orchestrator) ClearSession(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", contractx.ErrValidation)
	}
	ctx, span, unlock, err := o.begin(ctx, "orchestrator.clear_session", conversationID)
	if err != nil {
		return err
	}
	defer span.End()
	defer unlock()

	st, found, err := o.loadSession(ctx, conversationID)
	if err != nil {
		return err
	}
	if found && st.PendingBookingID != "" {
		if _, err := o.booker.Cancel(ctx, st.PendingBookingID, bookingx.ReasonCleared); err != nil && !errors.Is(err, contractx.ErrValidation) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("booking_id", st.PendingBookingID).Msg("cancel pending booking on clear")
		}
	}
	if err := o.store.Delete(ctx, conversationID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: delete session: %w", contractx.ErrBackendFailure, err)
	}
	o.metrics.ObserveRun("clear", "cleared")
	zerolog.Ctx(ctx).Info().Bool("existed", found).Msg("session cleared")
	return nil
}

// LastReply returns the newest assistant turn of the conversation.
func (o *Orchestrator) LastReply(ctx context.Context, conversationID string) (contractx.Turn, bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return contractx.Turn{}, false, fmt.Errorf("%w: conversation id is required", contractx.ErrValidation)
	}
	ctx, span, unlock, err := o.begin(ctx, "orchestrator.last_reply", conversationID)
	if err != nil {
		return contractx.Turn{}, false, err
	}
	defer span.End()
	defer unlock()

	st, found, err := o.loadSession(ctx, conversationID)
	if err != nil || !found {
		return contractx.Turn{}, false, err
	}
	turn, ok := st.LastReply()
	return turn, ok, nil
}

// ExpirePending cancels bookings left pending for longer than olderThan and
// detaches them from their sessions.
func (o *Orchestrator) ExpirePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: expiry age must be positive", contractx.ErrValidation)
	}
	expired, err := o.booker.ExpirePending(ctx, o.now().Add(-olderThan))
	for _, rec := range expired {
		if detachErr := o.detachExpired(ctx, rec); detachErr != nil {
			zerolog.Ctx(ctx).Warn().Err(detachErr).
				Str("conversation_id", rec.ConversationID).
				Str("booking_id", rec.ID).
				Msg("detach expired booking")
		}
	}
	switch {
	case err != nil:
		o.metrics.ObserveRun("expire", contractx.Kind(err))
	case len(expired) > 0:
		o.metrics.ObserveRun("expire", "expired")
	default:
		o.metrics.ObserveRun("expire", "none")
	}
	return len(expired), err
}

func (o *Orchestrator) detachExpired(ctx context.Context, rec *contractx.BookingRecord) error {
	ctx, span, unlock, err := o.begin(ctx, "orchestrator.detach_expired", rec.ConversationID)
	if err != nil {
		return err
	}
	defer span.End()
	defer unlock()

	st, found, err := o.loadSession(ctx, rec.ConversationID)
	if err != nil || !found || st.PendingBookingID != rec.ID {
		return err
	}
	dropPending(st)
	st.AppendTurn(contractx.RoleAssistant, replyExpired, o.now().UTC(), o.historyTurns)
	st.Touch(o.now())
	if err := o.store.Save(ctx, st); err != nil {
		return fmt.Errorf("%w: save session: %w", contractx.ErrBackendFailure, err)
	}
	return nil
}

func (o *Orchestrator) loadSession(ctx context.Context, conversationID string) (*statex.SessionState, bool, error) {
	st, err := o.store.Load(ctx, conversationID)
	switch {
	case errors.Is(err, statex.ErrStateNotFound):
		return statex.NewSessionState(conversationID, o.now()), false, nil
	case err != nil:
		return nil, false, fmt.Errorf("%w: load session: %w", contractx.ErrBackendFailure, err)
	}
	return st, true, nil
}
