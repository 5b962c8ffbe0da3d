package slot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	embedx "github.com/tanpawarit/care-dialogue-scheduler/agent/embedding"
)

type stubEmbedder struct {
	dim   int
	err   error
	calls atomic.Int32
}

func (s *stubEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = make([]float64, s.dim)
		out[i][0] = 1
	}
	return out, nil
}

// swapEmbedder delegates to whichever embedder is current.
type swapEmbedder struct {
	mu    sync.Mutex
	inner einoembedding.Embedder
}

func (s *swapEmbedder) set(e einoembedding.Embedder) {
	s.mu.Lock()
	s.inner = e
	s.mu.Unlock()
}

func (s *swapEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	s.mu.Lock()
	inner := s.inner
	s.mu.Unlock()
	return inner.EmbedStrings(ctx, texts, opts...)
}

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func spec(id string, pt contractx.ProviderType, start time.Time) Spec {
	return Spec{
		ID:           id,
		ProviderType: pt,
		ProviderName: "Dr. Test",
		Start:        start,
		Duration:     30 * time.Minute,
	}
}

func newTestIndex(t *testing.T, embedder einoembedding.Embedder, opts ...IndexOption) *Index {
	t.Helper()
	idx, err := NewIndex(embedder, opts...)
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	return idx
}

func TestIndexLoadAndGet(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t, embedx.NewHashEmbedder(32), WithBatchSize(2), WithConcurrency(2))
	specs := []Spec{
		spec("a", contractx.ProviderCardiologist, monday.Add(9*time.Hour)),
		spec("b", contractx.ProviderCardiologist, monday.Add(10*time.Hour)),
		spec("c", contractx.ProviderDermatologist, monday.Add(11*time.Hour)),
	}
	if err := idx.Load(context.Background(), specs); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if idx.Len() != 3 || idx.Dimension() != 32 {
		t.Fatalf("Len() = %d Dimension() = %d, want 3 and 32", idx.Len(), idx.Dimension())
	}
	s, ok := idx.Get("b")
	if !ok {
		t.Fatalf("Get(b) not found")
	}
	if !s.Available() || len(s.Embedding) != 32 {
		t.Fatalf("slot b available=%v dim=%d", s.Available(), len(s.Embedding))
	}
	if !strings.Contains(s.Summary, "cardiologist appointment") {
		t.Fatalf("Summary = %q", s.Summary)
	}
}

func TestIndexLoadRejectsDuplicates(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t, &stubEmbedder{dim: 4})
	err := idx.Load(context.Background(), []Spec{
		spec("a", contractx.ProviderCardiologist, monday),
		spec("a", contractx.ProviderCardiologist, monday),
	})
	if !errors.Is(err, contractx.ErrValidation) || !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("Load() error = %v, want duplicate validation error", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", idx.Len())
	}
}

func TestIndexLoadEmbeddingFailureInsertsNothing(t *testing.T) {
	t.Parallel()

	idx := newTestIndex(t, &stubEmbedder{err: errors.New("down")})
	err := idx.Load(context.Background(), []Spec{spec("a", contractx.ProviderCardiologist, monday)})
	if !errors.Is(err, contractx.ErrBackendFailure) {
		t.Fatalf("Load() error = %v, want backend failure", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", idx.Len())
	}
}

func TestIndexLoadDimensionMismatchInsertsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	emb := &swapEmbedder{inner: &stubEmbedder{dim: 4}}
	idx := newTestIndex(t, emb)
	if err := idx.Load(ctx, []Spec{spec("a", contractx.ProviderCardiologist, monday)}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	emb.set(&stubEmbedder{dim: 8})
	err := idx.Load(ctx, []Spec{
		spec("b", contractx.ProviderCardiologist, monday.Add(time.Hour)),
		spec("c", contractx.ProviderCardiologist, monday.Add(2*time.Hour)),
	})
	if !errors.Is(err, contractx.ErrBackendFailure) {
		t.Fatalf("Load() error = %v, want backend failure", err)
	}
	if idx.Len() != 1 || idx.Dimension() != 4 {
		t.Fatalf("Len() = %d Dimension() = %d, want 1 and 4", idx.Len(), idx.Dimension())
	}
	if _, ok := idx.Get("b"); ok {
		t.Fatalf("slot b was inserted by a rejected load")
	}

	if _, err := idx.Add(ctx, spec("d", contractx.ProviderCardiologist, monday)); !errors.Is(err, contractx.ErrBackendFailure) {
		t.Fatalf("Add() error = %v, want backend failure", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d after rejected Add, want 1", idx.Len())
	}
}

func TestIndexAdd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, &stubEmbedder{dim: 4})
	if err := idx.Load(ctx, []Spec{spec("a", contractx.ProviderCardiologist, monday)}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	added, err := idx.Add(ctx, spec("b", contractx.ProviderCardiologist, monday.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added.ID != "b" || idx.Len() != 2 {
		t.Fatalf("Add() = %s, Len() = %d", added.ID, idx.Len())
	}

	if _, err := idx.Add(ctx, spec("b", contractx.ProviderCardiologist, monday)); !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("Add(duplicate) error = %v", err)
	}
	if _, err := idx.Add(ctx, Spec{ID: "c", ProviderType: "dentist", Start: monday, Duration: time.Minute}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Add(bad type) error = %v", err)
	}
}

func TestSlotClaimOnlyOneWinner(t *testing.T) {
	t.Parallel()

	s := newSlot(spec("a", contractx.ProviderCardiologist, monday), []float64{1})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("claims won = %d, want 1", wins.Load())
	}
	if s.Available() {
		t.Fatalf("claimed slot is still available")
	}
	if !s.Release() || !s.Available() {
		t.Fatalf("Release() did not make the slot available")
	}
}

func TestDefaultCatalogSpecs(t *testing.T) {
	t.Parallel()

	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	specs, err := catalog.Specs(monday)
	if err != nil {
		t.Fatalf("Specs() error = %v", err)
	}
	if len(specs) == 0 {
		t.Fatalf("Specs() returned nothing")
	}

	ids := make(map[string]struct{}, len(specs))
	var weekendUrgent, weekendOther, cardiology int
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			t.Fatalf("spec %s: %v", s.ID, err)
		}
		if _, dup := ids[s.ID]; dup {
			t.Fatalf("duplicate id %s", s.ID)
		}
		ids[s.ID] = struct{}{}

		weekend := s.Start.Weekday() == time.Saturday || s.Start.Weekday() == time.Sunday
		switch {
		case weekend && s.ProviderType == contractx.ProviderUrgentCare:
			weekendUrgent++
		case weekend:
			weekendOther++
		}
		if s.ProviderType == contractx.ProviderCardiologist {
			cardiology++
			if s.Duration != 45*time.Minute {
				t.Fatalf("cardiology slot %s lasts %s", s.ID, s.Duration)
			}
		}
	}

	if weekendUrgent == 0 || weekendOther != 0 {
		t.Fatalf("weekend urgent=%d other=%d", weekendUrgent, weekendOther)
	}
	// 22 weekdays in 30 days from a Monday, 8 hourly slots each.
	if cardiology != 22*8 {
		t.Fatalf("cardiology slots = %d, want %d", cardiology, 22*8)
	}
	if specs[0].ID != "prov_001-20260302T0900Z" {
		t.Fatalf("first id = %q", specs[0].ID)
	}
}

func TestCatalogSpecsIDsSurviveRegeneration(t *testing.T) {
	t.Parallel()

	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	first, err := catalog.Specs(monday)
	if err != nil {
		t.Fatalf("Specs() error = %v", err)
	}
	// A restart a day later generates a shifted window.
	second, err := catalog.Specs(monday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Specs() error = %v", err)
	}

	type key struct {
		provider string
		start    time.Time
	}
	byKey := make(map[key]string, len(first))
	for _, s := range first {
		byKey[key{s.ProviderID, s.Start.UTC()}] = s.ID
	}
	var shared int
	for _, s := range second {
		id, ok := byKey[key{s.ProviderID, s.Start.UTC()}]
		if !ok {
			continue
		}
		shared++
		if id != s.ID {
			t.Fatalf("slot %s at %s renamed to %s", id, s.Start, s.ID)
		}
	}
	if shared == 0 {
		t.Fatalf("regenerated catalogs share no slots")
	}
}

func TestParseCatalogExplicitSlots(t *testing.T) {
	t.Parallel()

	raw := []byte(`
days: 0
slots:
  - id: custom_1
    provider_type: dermatologist
    provider_name: Dr. Skin
    start: 2026-03-03T10:00:00Z
    duration: 45m
    summary: acne follow-up slot
`)
	catalog, err := ParseCatalog(raw)
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	specs, err := catalog.Specs(monday)
	if err != nil {
		t.Fatalf("Specs() error = %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].Duration != 45*time.Minute || specs[0].Describe() != "acne follow-up slot" {
		t.Fatalf("spec = %#v", specs[0])
	}
}

func TestParseCatalogRejectsBadProvider(t *testing.T) {
	t.Parallel()

	_, err := ParseCatalog([]byte(`
days: 5
providers:
  - id: p1
    type: dentist
    slot_minutes: 30
    step_minutes: 30
    day_start: 9
    day_end: 17
`))
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("ParseCatalog() error = %v, want validation", err)
	}
}

func TestCatalogLocation(t *testing.T) {
	t.Parallel()

	catalog, err := ParseCatalog([]byte("days: 1\ntimezone: Asia/Bangkok\n"))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	loc, err := catalog.Location()
	if err != nil || loc.String() != "Asia/Bangkok" {
		t.Fatalf("Location() = %v, %v", loc, err)
	}
	if _, err := ParseCatalog([]byte("timezone: Nowhere/Else\n")); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("ParseCatalog(bad tz) error = %v, want validation", err)
	}
}
