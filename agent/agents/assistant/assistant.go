package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

const FallbackReply = "I can help you book an appointment. Tell me what symptoms you have " +
	"or what kind of visit you need, and I'll look for open slots."

type Request struct {
	Message string
	History []contractx.Turn
}

// Assistant answers messages that do not start a workflow.
type Assistant struct {
	gen          contractx.Generator
	systemPrompt string
	runner       compose.Runnable[Request, string]
}

// New compiles the reply graph. A nil generator always yields FallbackReply.
func New(ctx context.Context, gen contractx.Generator, systemPrompt string) (*Assistant, error) {
	a := &Assistant{gen: gen, systemPrompt: strings.TrimSpace(systemPrompt)}
	runner, err := compileReplyGraph(ctx, a.Enabled(), a.generate, a.fallback)
	if err != nil {
		return nil, err
	}
	a.runner = runner
	return a, nil
}

func (a *Assistant) Enabled() bool {
	return a != nil && a.gen != nil && a.systemPrompt != ""
}

// Reply never fails; generation errors degrade to the canned reply.
func (a *Assistant) Reply(ctx context.Context, req Request) string {
	if a == nil || a.runner == nil {
		return FallbackReply
	}
	out, err := a.runner.Invoke(ctx, req)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("assistant reply failed")
		return FallbackReply
	}
	return out
}

func (a *Assistant) generate(ctx context.Context, req Request) (string, error) {
	text, err := a.gen.Generate(ctx, req.Message, contractx.GenerateOptions{
		SystemPrompt: a.systemPrompt,
		History:      req.History,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("kind", contractx.Kind(err)).Msg("assistant generation degraded")
		return FallbackReply, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackReply, nil
	}
	return text, nil
}

func (a *Assistant) fallback(context.Context, Request) (string, error) {
	return FallbackReply, nil
}

func compileReplyGraph(
	ctx context.Context,
	enabled bool,
	generate func(context.Context, Request) (string, error),
	fallback func(context.Context, Request) (string, error),
) (compose.Runnable[Request, string], error) {
	graph := compose.NewGraph[Request, string]()

	if err := graph.AddLambdaNode("validate",
		compose.InvokableLambda(func(ctx context.Context, req Request) (Request, error) {
			req.Message = strings.TrimSpace(req.Message)
			if req.Message == "" {
				return req, fmt.Errorf("%w: message is empty", contractx.ErrValidation)
			}
			return req, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate: %w", err)
	}
	if err := graph.AddLambdaNode("generate", compose.InvokableLambda(generate)); err != nil {
		return nil, fmt.Errorf("add node generate: %w", err)
	}
	if err := graph.AddLambdaNode("fallback", compose.InvokableLambda(fallback)); err != nil {
		return nil, fmt.Errorf("add node fallback: %w", err)
	}

	branch := compose.NewGraphBranch(
		func(ctx context.Context, req Request) (string, error) {
			if enabled {
				return "generate", nil
			}
			return "fallback", nil
		},
		map[string]bool{"generate": true, "fallback": true},
	)
	if err := graph.AddBranch("validate", branch); err != nil {
		return nil, fmt.Errorf("add branch validate: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate"},
		{"generate", compose.END},
		{"fallback", compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("assistant.reply"))
	if err != nil {
		return nil, fmt.Errorf("compile assistant graph: %w", err)
	}
	return runner, nil
}
