package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
)

const DefaultTopK = 5

var _ contractx.Retriever = (*Engine)(nil)

type Option func(*Engine)

func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithEmbedder overrides the query embedder. It must be the model the
// index was built with.
func WithEmbedder(embedder embedding.Embedder) Option {
	return func(e *Engine) {
		if embedder != nil {
			e.embedder = embedder
		}
	}
}

// Engine ranks available slots against a scheduling request. It only reads
// the index.
type Engine struct {
	index    *slotx.Index
	embedder embedding.Embedder
	topK     int
}

func NewEngine(index *slotx.Index, opts ...Option) (*Engine, error) {
	if index == nil {
		return nil, errors.New("slot index is required")
	}
	e := &Engine{
		index:    index,
		embedder: index.Embedder(),
		topK:     DefaultTopK,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

type scored struct {
	slot  *slotx.Slot
	score float64
}

func (e *Engine) Retrieve(ctx context.Context, q contractx.RetrievalQuery) ([]contractx.Candidate, error) {
	if !q.ProviderType.Valid() {
		return nil, fmt.Errorf("%w: retrieval needs a provider type", contractx.ErrValidation)
	}
	k := q.K
	if k <= 0 {
		k = e.topK
	}

	pool := e.filter(q)
	if len(pool) == 0 {
		return []contractx.Candidate{}, nil
	}

	text := QueryText(q)
	vectors, err := e.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		if errors.Is(err, contractx.ErrBackendFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: embed query: %v", contractx.ErrBackendFailure, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one query", contractx.ErrBackendFailure, len(vectors))
	}
	query := vectors[0]

	for i := range pool {
		pool[i].score = cosineSimilarity(pool[i].slot.Embedding, query)
	}
	slices.SortFunc(pool, compareScored)

	if len(pool) > k {
		pool = pool[:k]
	}
	out := make([]contractx.Candidate, 0, len(pool))
	for _, p := range pool {
		out = append(out, p.slot.Candidate(p.score))
	}

	zerolog.Ctx(ctx).Debug().
		Str("provider_type", string(q.ProviderType)).
		Str("query", text).
		Int("candidates", len(out)).
		Msg("slot retrieval")
	return out, nil
}

// filter keeps available slots of the requested provider type that start no
// earlier than NotBefore and inside the window, minus explicit exclusions.
func (e *Engine) filter(q contractx.RetrievalQuery) []scored {
	var pool []scored
	e.index.Each(func(s *slotx.Slot) bool {
		if s.ProviderType != q.ProviderType || !s.Available() {
			return true
		}
		if !q.NotBefore.IsZero() && s.Start.Before(q.NotBefore) {
			return true
		}
		if !q.Window.Contains(s.Start) {
			return true
		}
		if slices.Contains(q.Exclude, s.ID) {
			return true
		}
		pool = append(pool, scored{slot: s})
		return true
	})
	return pool
}

func compareScored(a, b scored) int {
	switch {
	case a.score > b.score:
		return -1
	case a.score < b.score:
		return 1
	}
	if c := a.slot.Start.Compare(b.slot.Start); c != 0 {
		return c
	}
	return strings.Compare(a.slot.ID, b.slot.ID)
}

// QueryText builds the text embedded for a request. Urgent requests are
// pushed toward the earliest openings.
func QueryText(q contractx.RetrievalQuery) string {
	parts := []string{q.ProviderType.Label() + " appointment"}
	if name := strings.TrimSpace(q.ProviderName); name != "" {
		parts = append(parts, "with "+name)
	}
	if pref := strings.TrimSpace(q.Preference); pref != "" {
		parts = append(parts, pref)
	}
	switch q.Priority {
	case contractx.PriorityUrgent:
		parts = append(parts, "soonest available earliest appointment today")
	case "":
	default:
		parts = append(parts, string(q.Priority)+" priority")
	}
	return strings.Join(parts, ". ")
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
