package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	bookingx "github.com/tanpawarit/care-dialogue-scheduler/agent/booking"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	nodex "github.com/tanpawarit/care-dialogue-scheduler/agent/nodes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	nodeEnter             = "enter"
	nodeTriage            = "triage"
	nodeProviderMatching  = "provider_matching"
	nodeScheduling        = "scheduling"
	nodeAwaitConfirmation = "await_confirmation"
	nodeSelectSlot        = "select_slot"
	nodeCommit            = "commit"
	nodeReschedule        = "reschedule"
	nodePropose           = "propose"
	nodeFinalize          = "finalize"
)

type stageFunc func(context.Context, *nodex.Run) (*nodex.Run, error)

type graphNode struct {
	key    string
	lambda *compose.Lambda
}

type graphBranch struct {
	from    string
	route   func(*nodex.Run) string
	targets []string
}

func buildRunGraph(
	ctx context.Context,
	name string,
	nodes []graphNode,
	branches []graphBranch,
	edges [][2]string,
) (compose.Runnable[*nodex.Run, *nodex.Run], error) {
	graph := compose.NewGraph[*nodex.Run, *nodex.Run]()

	for _, n := range nodes {
		if err := graph.AddLambdaNode(n.key, n.lambda); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.key, err)
		}
	}

	for _, b := range branches {
		targets := make(map[string]bool, len(b.targets))
		for _, t := range b.targets {
			targets[t] = true
		}
		route := b.route
		branch := compose.NewGraphBranch(
			func(ctx context.Context, in *nodex.Run) (string, error) {
				if in == nil {
					return "", fmt.Errorf("%w: run is nil", contractx.ErrValidation)
				}
				return route(in), nil
			},
			targets,
		)
		if err := graph.AddBranch(b.from, branch); err != nil {
			return nil, fmt.Errorf("add branch %s: %w", b.from, err)
		}
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(name))
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", name, err)
	}
	return runner, nil
}

func (o *Orchestrator) compileWorkflowGraph(ctx context.Context) (compose.Runnable[*nodex.Run, *nodex.Run], error) {
	nodes := []graphNode{
		{nodeEnter, compose.InvokableLambda(o.enter)},
		{nodeTriage, o.stage(contractx.StateTriage, o.triage)},
		{nodeProviderMatching, o.stage(contractx.StateProviderMatching, func(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
			return nodex.MatchProviderStage(in)
		})},
		{nodeScheduling, o.stage(contractx.StateScheduling, o.schedule)},
		{nodeAwaitConfirmation, o.stage(contractx.StateAwaitingConfirmation, o.propose)},
		{nodeFinalize, compose.InvokableLambda(o.finalizeWorkflow)},
	}

	branches := []graphBranch{
		{
			from: nodeEnter,
			route: func(in *nodex.Run) string {
				switch {
				case in.Aborted():
					return nodeFinalize
				case in.Decision.Stage == contractx.StateScheduling:
					return nodeScheduling
				default:
					return nodeTriage
				}
			},
			targets: []string{nodeTriage, nodeScheduling, nodeFinalize},
		},
		{
			from: nodeTriage,
			route: func(in *nodex.Run) string {
				switch {
				case in.Aborted():
					return nodeFinalize
				case in.Context.ProviderType.Valid():
					return nodeScheduling
				default:
					return nodeProviderMatching
				}
			},
			targets: []string{nodeProviderMatching, nodeScheduling, nodeFinalize},
		},
		{
			from:    nodeProviderMatching,
			route:   unlessAborted(nodeScheduling),
			targets: []string{nodeScheduling, nodeFinalize},
		},
		{
			from:    nodeScheduling,
			route:   unlessAborted(nodeAwaitConfirmation),
			targets: []string{nodeAwaitConfirmation, nodeFinalize},
		},
	}

	edges := [][2]string{
		{compose.START, nodeEnter},
		{nodeAwaitConfirmation, nodeFinalize},
		{nodeFinalize, compose.END},
	}
	return buildRunGraph(ctx, "orchestrator.workflow", nodes, branches, edges)
}

func (o *Orchestrator) compileConfirmGraph(ctx context.Context) (compose.Runnable[*nodex.Run, *nodex.Run], error) {
	nodes := []graphNode{
		{nodeSelectSlot, o.confirmStep(nodeSelectSlot, func(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
			return nodex.SelectSlot(ctx, in, o.booker, bookingx.ReasonReplaced)
		})},
		{nodeCommit, o.confirmStep(nodeCommit, func(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
			return nodex.Commit(ctx, in, o.booker)
		})},
		{nodeReschedule, o.stage(contractx.StateScheduling, o.schedule)},
		{nodePropose, o.stage(contractx.StateAwaitingConfirmation, o.propose)},
		{nodeFinalize, compose.InvokableLambda(o.finalizeConfirmation)},
	}

	branches := []graphBranch{
		{
			from: nodeSelectSlot,
			route: func(in *nodex.Run) string {
				if in.Rejected != nil {
					return nodeFinalize
				}
				return nodeCommit
			},
			targets: []string{nodeCommit, nodeFinalize},
		},
		{
			from: nodeCommit,
			route: func(in *nodex.Run) string {
				if in.Rejected == nil && in.Conflict != nil {
					return nodeReschedule
				}
				return nodeFinalize
			},
			targets: []string{nodeReschedule, nodeFinalize},
		},
		{
			from:    nodeReschedule,
			route:   unlessAborted(nodePropose),
			targets: []string{nodePropose, nodeFinalize},
		},
	}

	edges := [][2]string{
		{compose.START, nodeSelectSlot},
		{nodePropose, nodeFinalize},
		{nodeFinalize, compose.END},
	}
	return buildRunGraph(ctx, "orchestrator.confirm", nodes, branches, edges)
}

func unlessAborted(next string) func(*nodex.Run) string {
	return func(in *nodex.Run) string {
		if in.Aborted() {
			return nodeFinalize
		}
		return next
	}
}

// stage advances the run into state and runs fn. A failing stage aborts the
// run instead of failing the graph so the session can be updated afterwards.
func (o *Orchestrator) stage(state contractx.WorkflowState, fn stageFunc) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
		if in == nil {
			return nil, fmt.Errorf("%w: run is nil", contractx.ErrValidation)
		}
		ctx, span := o.tracer.Start(ctx, "workflow.stage."+string(state),
			trace.WithAttributes(attribute.String("conversation_id", in.ConversationID)))
		defer span.End()

		if err := in.Advance(state); err != nil {
			span.RecordError(err)
			return in.Abort(state, err), nil
		}

		started := time.Now()
		out, err := fn(ctx, in)
		o.metrics.ObserveStage(string(state), time.Since(started))
		if err != nil {
			span.RecordError(err)
			kind := contractx.Kind(err)
			o.metrics.ObserveStageFailure(string(state), kind)
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("stage", string(state)).
				Str("kind", kind).
				Msg("workflow stage failed")
			if out == nil {
				out = in
			}
			return out.Abort(state, err), nil
		}
		return out, nil
	})
}

// confirmStep runs fn and turns its error into a rejection of the request.
func (o *Orchestrator) confirmStep(name string, fn stageFunc) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
		if in == nil {
			return nil, fmt.Errorf("%w: run is nil", contractx.ErrValidation)
		}
		ctx, span := o.tracer.Start(ctx, "confirmation."+name,
			trace.WithAttributes(attribute.String("conversation_id", in.ConversationID)))
		defer span.End()

		out, err := fn(ctx, in)
		if err != nil {
			span.RecordError(err)
			zerolog.Ctx(ctx).Info().Err(err).Str("step", name).Msg("confirmation rejected")
			return in.Reject(err), nil
		}
		return out, nil
	})
}

func (o *Orchestrator) enter(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: run is nil", contractx.ErrValidation)
	}
	d := in.Decision
	switch {
	case d.Kind == contractx.DecisionStartAt && d.Stage == contractx.StateTriage:
		if !nodex.CanTransition(in.Phase, contractx.StateTriage) {
			in.Restart()
		}
	case d.Kind == contractx.DecisionResumeAt && d.Stage == contractx.StateScheduling:
	default:
		return in.Abort(in.Phase, fmt.Errorf("%w: decision %s does not run the workflow", contractx.ErrInvariantViolation, d)), nil
	}
	return in, nil
}

func (o *Orchestrator) triage(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
	return nodex.Triage(ctx, in, o.triageGen, o.triagePrompt)
}

func (o *Orchestrator) schedule(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
	out, err := nodex.Schedule(ctx, in, o.retriever, o.topK)
	if out != nil {
		o.metrics.ObserveCandidates(len(out.Context.Candidates))
	}
	return out, err
}

func (o *Orchestrator) propose(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
	return nodex.ProposeTop(ctx, in, o.booker)
}

func (o *Orchestrator) finalizeWorkflow(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: run is nil", contractx.ErrValidation)
	}
	in.Reply = workflowReply(in)
	zerolog.Ctx(ctx).Info().
		Str("decision", in.Decision.String()).
		Str("phase", string(in.Phase)).
		Str("priority", string(in.Context.Priority)).
		Str("provider_type", string(in.Context.ProviderType)).
		Int("candidates", len(in.Context.Candidates)).
		Str("failure", in.Failure.Kind()).
		Msg("workflow run finished")
	return in, nil
}

func (o *Orchestrator) finalizeConfirmation(ctx context.Context, in *nodex.Run) (*nodex.Run, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: run is nil", contractx.ErrValidation)
	}
	in.Reply = confirmationReply(in)

	result := confirmationResult(in)
	o.metrics.ObserveConfirmation(result)
	zerolog.Ctx(ctx).Info().
		Str("result", result).
		Str("phase", string(in.Phase)).
		Msg("confirmation finished")
	return in, nil
}

func confirmationResult(in *nodex.Run) string {
	switch {
	case in.Rejected != nil:
		return "rejected:" + contractx.Kind(in.Rejected)
	case in.Conflict != nil:
		return contractx.KindConflict
	case in.Phase == contractx.StateBooked:
		return "confirmed"
	default:
		return "unknown"
	}
}
