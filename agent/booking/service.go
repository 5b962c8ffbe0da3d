package booking

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
)

const (
	ReasonDeclined = "declined"
	ReasonConflict = "conflict"
	ReasonExpired  = "expired"
	ReasonReplaced = "replaced"
	ReasonCleared  = "session_cleared"

	lockStripes = 64
)

var _ contractx.Booker = (*Service)(nil)

type Option func(*Service)

func WithNotifier(n contractx.BookingNotifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service owns the booking lifecycle: a pending record at the confirmation
// gate, then either a confirmed record holding the slot or a cancelled one.
type Service struct {
	index    *slotx.Index
	store    Store
	notifier contractx.BookingNotifier
	now      func() time.Time

	stripes [lockStripes]sync.Mutex
}

func NewService(index *slotx.Index, store Store, opts ...Option) (*Service, error) {
	if index == nil {
		return nil, errors.New("slot index is required")
	}
	if store == nil {
		return nil, errors.New("booking store is required")
	}
	s := &Service{
		index: index,
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Service) lock(bookingID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(bookingID))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) Propose(ctx context.Context, conversationID string, wctx contractx.WorkflowContext, slotID string) (*contractx.BookingRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", contractx.ErrValidation)
	}
	if !wctx.HasCandidate(slotID) {
		return nil, fmt.Errorf("%w: slot %q was not offered in this conversation", contractx.ErrInvariantViolation, slotID)
	}
	slot, ok := s.index.Get(slotID)
	if !ok {
		return nil, fmt.Errorf("%w: slot %q is not indexed", contractx.ErrInvariantViolation, slotID)
	}

	now := s.now().UTC()
	rec := &contractx.BookingRecord{
		ID:             uuid.NewString(),
		SlotID:         slot.ID,
		ConversationID: conversationID,
		Patient:        wctx.Patient,
		Snapshot:       slot.Snapshot(),
		Status:         contractx.BookingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, s.storeErr(err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("booking_id", rec.ID).
		Str("slot_id", rec.SlotID).
		Msg("booking proposed")
	return rec, nil
}

// Commit confirms a pending booking by claiming its slot. A slot that was
// taken in the meantime cancels the record and reports a conflict alongside
// the cancelled record.
func (s *Service) Commit(ctx context.Context, bookingID string, slotID string, patient contractx.PatientIdentity) (*contractx.BookingRecord, error) {
	unlock := s.lock(bookingID)
	defer unlock()

	rec, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !rec.IsPending() {
		return rec, fmt.Errorf("%w: booking %s is %s", contractx.ErrValidation, rec.ID, rec.Status)
	}
	if slotID != "" && slotID != rec.SlotID {
		return rec, fmt.Errorf("%w: booking %s is for slot %s, not %s", contractx.ErrValidation, rec.ID, rec.SlotID, slotID)
	}
	identity := patient.Merge(rec.Patient)
	if !identity.Complete() {
		return rec, fmt.Errorf("%w: patient name and contact are required to confirm", contractx.ErrValidation)
	}

	slot, ok := s.index.Get(rec.SlotID)
	if !ok {
		return rec, fmt.Errorf("%w: slot %q is not indexed", contractx.ErrInvariantViolation, rec.SlotID)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("booking_id", rec.ID).
		Str("slot_id", rec.SlotID).
		Logger()

	now := s.now().UTC()
	if !slot.Claim() {
		logger.Info().Msg("booking conflict: slot already taken")
		return s.conflict(ctx, rec, identity, now)
	}

	confirmed := *rec
	confirmed.Patient = identity
	confirmed.Status = contractx.BookingConfirmed
	confirmed.ConfirmationCode = newConfirmationCode()
	confirmed.UpdatedAt = now
	confirmed.ConfirmedAt = &now
	if err := s.store.Transition(ctx, &confirmed, contractx.BookingPending); err != nil {
		if errors.Is(err, ErrSlotTaken) {
			// Confirmed elsewhere (another replica, or before a restart): the
			// slot stays claimed.
			logger.Info().Err(err).Msg("booking conflict: slot confirmed in store")
			return s.conflict(ctx, rec, identity, now)
		}
		slot.Release()
		return rec, s.storeErr(err)
	}
	logger.Info().Str("confirmation_code", confirmed.ConfirmationCode).Msg("booking confirmed")

	if s.notifier != nil {
		if err := s.notifier.BookingConfirmed(ctx, &confirmed); err != nil {
			logger.Warn().Err(err).Msg("booking notification failed")
		}
	}
	return &confirmed, nil
}

func (s *Service) conflict(ctx context.Context, rec *contractx.BookingRecord, identity contractx.PatientIdentity, now time.Time) (*contractx.BookingRecord, error) {
	cancelled := *rec
	cancelled.Patient = identity
	cancelled.Status = contractx.BookingCancelled
	cancelled.CancelReason = ReasonConflict
	cancelled.UpdatedAt = now
	if err := s.store.Transition(ctx, &cancelled, contractx.BookingPending); err != nil {
		return rec, s.storeErr(err)
	}
	return &cancelled, fmt.Errorf("%w: slot %s was booked by someone else", contractx.ErrConfirmationConflict, rec.SlotID)
}

// RestoreClaims claims every indexed slot that already has a confirmed
// booking in the store. Call it after loading the index and before serving.
// It returns how many slots were claimed.
func (s *Service) RestoreClaims(ctx context.Context) (int, error) {
	confirmed, err := s.store.ListByStatus(ctx, contractx.BookingConfirmed, time.Time{})
	if err != nil {
		return 0, s.storeErr(err)
	}
	var claimed int
	for _, rec := range confirmed {
		slot, ok := s.index.Get(rec.SlotID)
		if !ok {
			continue
		}
		if slot.Claim() {
			claimed++
		}
	}
	zerolog.Ctx(ctx).Info().
		Int("confirmed", len(confirmed)).
		Int("claimed", claimed).
		Msg("restored slot claims")
	return claimed, nil
}

func (s *Service) Cancel(ctx context.Context, bookingID string, reason string) (*contractx.BookingRecord, error) {
	unlock := s.lock(bookingID)
	defer unlock()
	return s.cancelLocked(ctx, bookingID, reason)
}

func (s *Service) cancelLocked(ctx context.Context, bookingID string, reason string) (*contractx.BookingRecord, error) {
	rec, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !rec.IsPending() {
		return rec, fmt.Errorf("%w: booking %s is %s", contractx.ErrValidation, rec.ID, rec.Status)
	}
	cancelled := *rec
	cancelled.Status = contractx.BookingCancelled
	cancelled.CancelReason = reason
	cancelled.UpdatedAt = s.now().UTC()
	if err := s.store.Transition(ctx, &cancelled, contractx.BookingPending); err != nil {
		return rec, s.storeErr(err)
	}
	return &cancelled, nil
}

func (s *Service) Get(ctx context.Context, bookingID string) (*contractx.BookingRecord, error) {
	rec, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	return rec, nil
}

// ExpirePending cancels pending bookings created before cutoff. Records that
// changed status while the sweep ran are skipped.
func (s *Service) ExpirePending(ctx context.Context, cutoff time.Time) ([]*contractx.BookingRecord, error) {
	pending, err := s.store.ListByStatus(ctx, contractx.BookingPending, cutoff)
	if err != nil {
		return nil, s.storeErr(err)
	}

	expired := make([]*contractx.BookingRecord, 0, len(pending))
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		unlock := s.lock(rec.ID)
		cancelled, err := s.cancelLocked(ctx, rec.ID, ReasonExpired)
		unlock()
		switch {
		case err == nil:
			expired = append(expired, cancelled)
		case errors.Is(err, contractx.ErrValidation), errors.Is(err, ErrStaleBooking):
			continue
		default:
			return expired, err
		}
	}
	if len(expired) > 0 {
		zerolog.Ctx(ctx).Info().Int("count", len(expired)).Msg("expired pending bookings")
	}
	return expired, nil
}

// storeErr maps store failures onto the error taxonomy. Missing or stale
// records are validation failures; anything else is a backend failure.
func (s *Service) storeErr(err error) error {
	switch {
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrStaleBooking):
		return fmt.Errorf("%w: %w", contractx.ErrValidation, err)
	case errors.Is(err, contractx.ErrValidation):
		return err
	default:
		return fmt.Errorf("%w: booking store: %w", contractx.ErrBackendFailure, err)
	}
}

func newConfirmationCode() string {
	u := uuid.New()
	return fmt.Sprintf("%06d", binary.BigEndian.Uint64(u[8:])%1_000_000)
}
