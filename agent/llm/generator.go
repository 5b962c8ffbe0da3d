package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

var _ contractx.Generator = (*Generator)(nil)

// Generator is the text-generation capability backed by an eino chat model.
// The system prompt, history and user input are template variables, so their
// content is never interpreted as format placeholders.
type Generator struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

func NewGenerator(ctx context.Context, chatModel einomodel.BaseChatModel, name string) (*Generator, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	runner, err := compileGenerationGraph(ctx, chatModel, name)
	if err != nil {
		return nil, err
	}
	return &Generator{runner: runner}, nil
}

// NewGeneratorFor builds the chat model for role and wraps it.
func NewGeneratorFor(ctx context.Context, cfg Config, role Role) (*Generator, error) {
	orCfg := cfg.OpenRouterFor(role)
	chatModel, err := orCfg.New(ctx)
	if err != nil {
		return nil, err
	}
	return NewGenerator(ctx, chatModel, string(role))
}

func compileGenerationGraph(ctx context.Context, chatModel einomodel.BaseChatModel, name string) (compose.Runnable[map[string]any, *schema.Message], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add generation prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add generation model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add generation edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add generation edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add generation edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("llm."+name+".generate"))
	if err != nil {
		return nil, fmt.Errorf("compile generation graph: %w", err)
	}
	return runner, nil
}

func (g *Generator) Generate(ctx context.Context, prompt string, opts contractx.GenerateOptions) (string, error) {
	vars := map[string]any{
		"system":  opts.SystemPrompt,
		"history": historyMessages(opts.History),
		"input":   prompt,
	}

	var modelOpts []einomodel.Option
	if opts.Temperature != nil {
		modelOpts = append(modelOpts, einomodel.WithTemperature(*opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		modelOpts = append(modelOpts, einomodel.WithMaxTokens(opts.MaxTokens))
	}
	var callOpts []compose.Option
	if len(modelOpts) > 0 {
		callOpts = append(callOpts, compose.WithChatModelOption(modelOpts...))
	}

	msg, err := g.runner.Invoke(ctx, vars, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", contractx.ErrBackendFailure, contractx.ErrModelInvoke, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", fmt.Errorf("%w: %w: empty completion", contractx.ErrBackendFailure, contractx.ErrModelInvoke)
	}
	return strings.TrimSpace(msg.Content), nil
}

func historyMessages(turns []contractx.Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case contractx.RoleAssistant:
			out = append(out, schema.AssistantMessage(t.Text, nil))
		default:
			out = append(out, schema.UserMessage(t.Text))
		}
	}
	return out
}
