package slot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSlotNotFound  = errors.New("slot not found")
	ErrDuplicateSlot = errors.New("slot id already exists")
)

const (
	defaultBatchSize   = 64
	defaultConcurrency = 4
)

type IndexOption func(*Index)

func WithBatchSize(n int) IndexOption {
	return func(i *Index) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

func WithConcurrency(n int) IndexOption {
	return func(i *Index) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// Index is the shared slot catalog. Membership is guarded by an RWMutex;
// availability is flipped per slot without taking the index lock.
type Index struct {
	embedder    embedding.Embedder
	batchSize   int
	concurrency int

	mu    sync.RWMutex
	slots []*Slot
	byID  map[string]*Slot
	dim   int
}

func NewIndex(embedder embedding.Embedder, opts ...IndexOption) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	idx := &Index{
		embedder:    embedder,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		byID:        make(map[string]*Slot, 256),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(idx)
		}
	}
	return idx, nil
}

func (i *Index) Embedder() embedding.Embedder {
	return i.embedder
}

// Load embeds and inserts specs. Nothing is inserted when any spec is
// invalid or any embedding call fails.
func (i *Index) Load(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(specs))
	texts := make([]string, len(specs))
	for n, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		id := strings.TrimSpace(spec.ID)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %w: %s", contractx.ErrValidation, ErrDuplicateSlot, id)
		}
		if _, ok := i.Get(id); ok {
			return fmt.Errorf("%w: %w: %s", contractx.ErrValidation, ErrDuplicateSlot, id)
		}
		seen[id] = struct{}{}
		texts[n] = spec.Describe()
	}

	vectors, err := i.embedAll(ctx, texts)
	if err != nil {
		return err
	}

	batch := make([]*Slot, len(specs))
	for n, spec := range specs {
		batch[n] = newSlot(spec, vectors[n])
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(batch); err != nil {
		return err
	}
	for _, s := range batch {
		i.insertLocked(s)
	}

	log.Info().Int("slots", len(specs)).Int("dimension", i.dim).Msg("slot index loaded")
	return nil
}

// Add appends one slot, computing its embedding at creation.
func (i *Index) Add(ctx context.Context, spec Spec) (*Slot, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, ok := i.Get(strings.TrimSpace(spec.ID)); ok {
		return nil, fmt.Errorf("%w: %w: %s", contractx.ErrValidation, ErrDuplicateSlot, spec.ID)
	}

	vectors, err := i.embedAll(ctx, []string{spec.Describe()})
	if err != nil {
		return nil, err
	}

	s := newSlot(spec, vectors[0])
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked([]*Slot{s}); err != nil {
		return nil, err
	}
	i.insertLocked(s)
	return s, nil
}

// checkLocked rejects the whole batch if any slot is already indexed or has
// an embedding of a different dimension than the index (or the batch's first
// slot, for an empty index).
func (i *Index) checkLocked(batch []*Slot) error {
	dim := i.dim
	if dim == 0 && len(batch) > 0 {
		dim = len(batch[0].Embedding)
	}
	for _, s := range batch {
		if _, ok := i.byID[s.ID]; ok {
			return fmt.Errorf("%w: %w: %s", contractx.ErrValidation, ErrDuplicateSlot, s.ID)
		}
		if len(s.Embedding) != dim {
			return fmt.Errorf("%w: embedding dimension %d for slot %s, index uses %d",
				contractx.ErrBackendFailure, len(s.Embedding), s.ID, dim)
		}
	}
	return nil
}

func (i *Index) insertLocked(s *Slot) {
	if i.dim == 0 {
		i.dim = len(s.Embedding)
	}
	i.slots = append(i.slots, s)
	i.byID[s.ID] = s
}

func (i *Index) embedAll(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for start := 0; start < len(texts); start += i.batchSize {
		end := min(start+i.batchSize, len(texts))
		g.Go(func() error {
			vectors, err := i.embedder.EmbedStrings(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("%w: embed slots [%d:%d]: %v", contractx.ErrBackendFailure, start, end, err)
			}
			if len(vectors) != end-start {
				return fmt.Errorf("%w: embedder returned %d vectors for %d texts", contractx.ErrBackendFailure, len(vectors), end-start)
			}
			for n, vec := range vectors {
				if len(vec) == 0 {
					return fmt.Errorf("%w: empty embedding for text %d", contractx.ErrBackendFailure, start+n)
				}
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Index) Get(id string) (*Slot, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	s, ok := i.byID[id]
	return s, ok
}

// Each calls fn for every slot in insertion order until fn returns false.
func (i *Index) Each(fn func(*Slot) bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, s := range i.slots {
		if !fn(s) {
			return
		}
	}
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.slots)
}

func (i *Index) Dimension() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dim
}

// AvailableCount returns the number of bookable slots per provider type.
func (i *Index) AvailableCount() map[contractx.ProviderType]int {
	counts := make(map[contractx.ProviderType]int, 8)
	i.Each(func(s *Slot) bool {
		if s.Available() {
			counts[s.ProviderType]++
		}
		return true
	})
	return counts
}
