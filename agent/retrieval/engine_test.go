package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	embedx "github.com/tanpawarit/care-dialogue-scheduler/agent/embedding"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
)

// flatEmbedder returns the same vector for every text so every slot ties.
type flatEmbedder struct {
	queryErr error
	calls    int
}

func (f *flatEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	f.calls++
	if f.queryErr != nil && f.calls > 1 {
		return nil, f.queryErr
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 1}
	}
	return out, nil
}

var base = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newIndex(t *testing.T, embedder einoembedding.Embedder, specs ...slotx.Spec) *slotx.Index {
	t.Helper()
	idx, err := slotx.NewIndex(embedder)
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	if err := idx.Load(context.Background(), specs); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func newEngine(t *testing.T, idx *slotx.Index, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(idx, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func retrieve(t *testing.T, engine *Engine, q contractx.RetrievalQuery) []contractx.Candidate {
	t.Helper()
	got, err := engine.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	return got
}

func slotIDs(cands []contractx.Candidate) []string {
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.SlotID)
	}
	return ids
}

func at(id string, pt contractx.ProviderType, offset time.Duration) slotx.Spec {
	return slotx.Spec{
		ID:           id,
		ProviderType: pt,
		ProviderName: "Dr. " + id,
		Start:        base.Add(offset),
		Duration:     30 * time.Minute,
	}
}

func TestRetrieveFiltersByProviderTypeAndAvailability(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	types := []contractx.ProviderType{
		contractx.ProviderCardiologist,
		contractx.ProviderDermatologist,
		contractx.ProviderGeneralPractitioner,
	}

	var specs []slotx.Spec
	for i := range 120 {
		s := at(fmt.Sprintf("slot_%03d", i), types[rng.IntN(len(types))], time.Duration(i)*time.Hour)
		s.Unavailable = rng.IntN(3) == 0
		specs = append(specs, s)
	}
	idx := newIndex(t, embedx.NewHashEmbedder(64), specs...)
	engine := newEngine(t, idx, WithTopK(1000))

	for _, pt := range types {
		got := retrieve(t, engine, contractx.RetrievalQuery{
			ProviderType: pt,
			Preference:   "morning please",
		})
		for _, c := range got {
			if c.ProviderType != pt {
				t.Fatalf("candidate %s has provider %s, want %s", c.SlotID, c.ProviderType, pt)
			}
			s, ok := idx.Get(c.SlotID)
			if !ok {
				t.Fatalf("candidate %s is not indexed", c.SlotID)
			}
			if !s.Available() {
				t.Fatalf("slot %s is unavailable", c.SlotID)
			}
		}
	}
}

func TestRetrieveIsDeterministic(t *testing.T) {
	t.Parallel()

	idx := newIndex(t, embedx.NewHashEmbedder(64),
		at("a", contractx.ProviderCardiologist, 9*time.Hour),
		at("b", contractx.ProviderCardiologist, 14*time.Hour),
		at("c", contractx.ProviderCardiologist, 33*time.Hour),
		at("d", contractx.ProviderCardiologist, 38*time.Hour),
	)
	engine := newEngine(t, idx)

	q := contractx.RetrievalQuery{
		ProviderType: contractx.ProviderCardiologist,
		Preference:   "Tuesday afternoon",
		Priority:     contractx.PriorityHigh,
	}
	first := retrieve(t, engine, q)
	second := retrieve(t, engine, q)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Retrieve() not deterministic:\n%v\n%v", first, second)
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].Score < first[i].Score {
			t.Fatalf("scores not descending at %d: %v < %v", i, first[i-1].Score, first[i].Score)
		}
	}
}

func TestRetrieveTieBreaksByStartThenID(t *testing.T) {
	t.Parallel()

	idx := newIndex(t, &flatEmbedder{},
		at("slot_c", contractx.ProviderCardiologist, 10*time.Hour),
		at("slot_b", contractx.ProviderCardiologist, 9*time.Hour),
		at("slot_a", contractx.ProviderCardiologist, 10*time.Hour),
	)
	engine := newEngine(t, idx)

	got := retrieve(t, engine, contractx.RetrievalQuery{ProviderType: contractx.ProviderCardiologist})
	if ids := slotIDs(got); !slices.Equal(ids, []string{"slot_b", "slot_a", "slot_c"}) {
		t.Fatalf("order = %v", ids)
	}
}

func TestRetrieveTopKWindowAndExclusions(t *testing.T) {
	t.Parallel()

	var specs []slotx.Spec
	for i := range 10 {
		specs = append(specs, at(fmt.Sprintf("s%02d", i), contractx.ProviderGeneralPractitioner, time.Duration(8+i)*time.Hour))
	}
	idx := newIndex(t, &flatEmbedder{}, specs...)
	engine := newEngine(t, idx)

	got := retrieve(t, engine, contractx.RetrievalQuery{ProviderType: contractx.ProviderGeneralPractitioner})
	if len(got) != DefaultTopK {
		t.Fatalf("len = %d, want %d", len(got), DefaultTopK)
	}

	got = retrieve(t, engine, contractx.RetrievalQuery{
		ProviderType: contractx.ProviderGeneralPractitioner,
		Window:       &contractx.TimeWindow{DayStart: 12, DayEnd: 17},
		Exclude:      []string{"s04"},
		K:            10,
	})
	if ids := slotIDs(got); !slices.Equal(ids, []string{"s05", "s06", "s07", "s08"}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestRetrieveSkipsSlotsBeforeNotBefore(t *testing.T) {
	t.Parallel()

	idx := newIndex(t, &flatEmbedder{},
		at("early", contractx.ProviderCardiologist, 9*time.Hour),
		at("now", contractx.ProviderCardiologist, 13*time.Hour),
		at("later", contractx.ProviderCardiologist, 14*time.Hour),
	)
	engine := newEngine(t, idx)

	got := retrieve(t, engine, contractx.RetrievalQuery{
		ProviderType: contractx.ProviderCardiologist,
		Priority:     contractx.PriorityUrgent,
		NotBefore:    base.Add(13 * time.Hour),
	})
	if ids := slotIDs(got); !slices.Equal(ids, []string{"now", "later"}) {
		t.Fatalf("ids = %v, want slots from 13:00 on", ids)
	}
}

func TestRetrieveDayPartInWindowLocation(t *testing.T) {
	t.Parallel()

	bangkok := time.FixedZone("ICT", 7*60*60)
	// 02:00 UTC is 09:00 in Bangkok; 09:00 UTC is 16:00.
	idx := newIndex(t, &flatEmbedder{},
		at("bkk_morning", contractx.ProviderDermatologist, 2*time.Hour),
		at("bkk_afternoon", contractx.ProviderDermatologist, 9*time.Hour),
	)
	engine := newEngine(t, idx)

	got := retrieve(t, engine, contractx.RetrievalQuery{
		ProviderType: contractx.ProviderDermatologist,
		Window:       &contractx.TimeWindow{DayStart: 6, DayEnd: 12, Location: bangkok},
	})
	if ids := slotIDs(got); !slices.Equal(ids, []string{"bkk_morning"}) {
		t.Fatalf("ids = %v, want the Bangkok morning slot", ids)
	}
}

func TestRetrieveEmptyIsNotAnError(t *testing.T) {
	t.Parallel()

	emb := &flatEmbedder{}
	idx := newIndex(t, emb, at("a", contractx.ProviderCardiologist, 0))
	engine := newEngine(t, idx)

	got := retrieve(t, engine, contractx.RetrievalQuery{ProviderType: contractx.ProviderPsychiatrist})
	if len(got) != 0 {
		t.Fatalf("Retrieve() = %v, want empty", got)
	}
	if emb.calls != 1 {
		t.Fatalf("embedder calls = %d: query must not be embedded when nothing passes the filter", emb.calls)
	}
}

func TestRetrieveDoesNotMutateAvailability(t *testing.T) {
	t.Parallel()

	idx := newIndex(t, &flatEmbedder{}, at("a", contractx.ProviderCardiologist, 0))
	engine := newEngine(t, idx)

	retrieve(t, engine, contractx.RetrievalQuery{ProviderType: contractx.ProviderCardiologist})

	if s, _ := idx.Get("a"); !s.Available() {
		t.Fatalf("Retrieve() claimed slot a")
	}
}

func TestRetrieveValidationAndBackendErrors(t *testing.T) {
	t.Parallel()

	emb := &flatEmbedder{queryErr: errors.New("timeout")}
	idx := newIndex(t, emb, at("a", contractx.ProviderCardiologist, 0))
	engine := newEngine(t, idx)

	if _, err := engine.Retrieve(context.Background(), contractx.RetrievalQuery{}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Retrieve(empty) error = %v, want validation", err)
	}
	_, err := engine.Retrieve(context.Background(), contractx.RetrievalQuery{ProviderType: contractx.ProviderCardiologist})
	if !errors.Is(err, contractx.ErrBackendFailure) {
		t.Fatalf("Retrieve() error = %v, want backend failure", err)
	}
}

func TestQueryTextUrgentBias(t *testing.T) {
	t.Parallel()

	urgent := QueryText(contractx.RetrievalQuery{ProviderType: contractx.ProviderCardiologist, Priority: contractx.PriorityUrgent})
	routine := QueryText(contractx.RetrievalQuery{ProviderType: contractx.ProviderCardiologist, Priority: contractx.PriorityLow, Preference: "evening"})

	if !strings.HasPrefix(urgent, "cardiologist appointment") || !strings.Contains(urgent, "soonest available") {
		t.Fatalf("urgent query = %q", urgent)
	}
	if strings.Contains(routine, "soonest available") || !strings.Contains(routine, "evening") {
		t.Fatalf("routine query = %q", routine)
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b []float64
		want float64
	}{
		{a: []float64{1, 2}, b: []float64{2, 4}, want: 1},
		{a: []float64{1, 0}, b: []float64{0, 1}, want: 0},
		{a: []float64{1}, b: []float64{1, 2}, want: 0},
		{a: []float64{0, 0}, b: []float64{1, 2}, want: 0},
	}
	for _, tc := range tests {
		if got := cosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("cosineSimilarity(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
