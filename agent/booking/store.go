package booking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	ErrStaleBooking    = errors.New("booking status changed concurrently")
	ErrSlotTaken       = errors.New("slot already has a confirmed booking")
)

// Store persists BookingRecords. Transition writes rec only when the stored
// status still equals from. At most one confirmed record may hold a slot; a
// transition that would confirm a second one fails with ErrSlotTaken.
type Store interface {
	Create(ctx context.Context, rec *contractx.BookingRecord) error
	Get(ctx context.Context, id string) (*contractx.BookingRecord, error)
	Transition(ctx context.Context, rec *contractx.BookingRecord, from contractx.BookingStatus) error
	ListByStatus(ctx context.Context, status contractx.BookingStatus, createdBefore time.Time) ([]*contractx.BookingRecord, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*contractx.BookingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*contractx.BookingRecord, 64)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *contractx.BookingRecord) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: booking id is required", contractx.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: booking %s already exists", contractx.ErrValidation, rec.ID)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contractx.BookingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Transition(ctx context.Context, rec *contractx.BookingRecord, from contractx.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBookingNotFound, rec.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: %s is %s", ErrStaleBooking, rec.ID, cur.Status)
	}
	if rec.Status == contractx.BookingConfirmed {
		for id, other := range s.records {
			if id != rec.ID && other.SlotID == rec.SlotID && other.Status == contractx.BookingConfirmed {
				return fmt.Errorf("%w: %s is held by %s", ErrSlotTaken, rec.SlotID, id)
			}
		}
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status contractx.BookingStatus, createdBefore time.Time) ([]*contractx.BookingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contractx.BookingRecord
	for _, rec := range s.records {
		if rec.Status != status {
			continue
		}
		if !createdBefore.IsZero() && !rec.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(a, b *contractx.BookingRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func cloneRecord(rec *contractx.BookingRecord) *contractx.BookingRecord {
	cp := *rec
	if rec.ConfirmedAt != nil {
		at := *rec.ConfirmedAt
		cp.ConfirmedAt = &at
	}
	return &cp
}
