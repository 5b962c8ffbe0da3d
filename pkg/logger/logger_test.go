package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithConversationAddsField(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithConversation(base.WithContext(context.Background()), "conv-9")

	zerolog.Ctx(ctx).Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["conversation_id"] != "conv-9" {
		t.Fatalf("conversation_id = %v, want conv-9", line["conversation_id"])
	}
}

func TestBuildRespectsDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := build(Config{}, &buf)
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %s", buf.String())
	}

	logger = build(Config{Debug: true}, &buf)
	logger.Debug().Msg("shown")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != serviceName || line["message"] != "shown" {
		t.Fatalf("unexpected line %v", line)
	}
}
