package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// slotConfirmedIndex keeps at most one confirmed booking per slot.
const slotConfirmedIndex = "booking_records_slot_confirmed_uidx"

type PostgresConfig struct {
	DSN     string        `envconfig:"DSN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
}

func OpenPostgres(cfg PostgresConfig) (*bun.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
	if cfg.Timeout > 0 {
		opts = append(opts, pgdriver.WithTimeout(cfg.Timeout))
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(opts...))
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

type bookingRow struct {
	bun.BaseModel `bun:"table:booking_records,alias:br"`

	ID               string     `bun:"id,pk"`
	SlotID           string     `bun:"slot_id,notnull"`
	ConversationID   string     `bun:"conversation_id,notnull"`
	PatientName      string     `bun:"patient_name"`
	PatientContact   string     `bun:"patient_contact"`
	ProviderType     string     `bun:"provider_type,notnull"`
	ProviderName     string     `bun:"provider_name"`
	StartsAt         time.Time  `bun:"starts_at,notnull"`
	DurationSeconds  int64      `bun:"duration_seconds,notnull"`
	Summary          string     `bun:"summary"`
	Status           string     `bun:"status,notnull"`
	ConfirmationCode string     `bun:"confirmation_code"`
	CancelReason     string     `bun:"cancel_reason"`
	CreatedAt        time.Time  `bun:"created_at,notnull"`
	UpdatedAt        time.Time  `bun:"updated_at,notnull"`
	ConfirmedAt      *time.Time `bun:"confirmed_at"`
}

func toRow(rec *contractx.BookingRecord) *bookingRow {
	return &bookingRow{
		ID:               rec.ID,
		SlotID:           rec.SlotID,
		ConversationID:   rec.ConversationID,
		PatientName:      rec.Patient.Name,
		PatientContact:   rec.Patient.Contact,
		ProviderType:     string(rec.Snapshot.ProviderType),
		ProviderName:     rec.Snapshot.ProviderName,
		StartsAt:         rec.Snapshot.Start.UTC(),
		DurationSeconds:  int64(rec.Snapshot.Duration / time.Second),
		Summary:          rec.Snapshot.Summary,
		Status:           string(rec.Status),
		ConfirmationCode: rec.ConfirmationCode,
		CancelReason:     rec.CancelReason,
		CreatedAt:        rec.CreatedAt.UTC(),
		UpdatedAt:        rec.UpdatedAt.UTC(),
		ConfirmedAt:      rec.ConfirmedAt,
	}
}

func (r *bookingRow) record() *contractx.BookingRecord {
	return &contractx.BookingRecord{
		ID:             r.ID,
		SlotID:         r.SlotID,
		ConversationID: r.ConversationID,
		Patient: contractx.PatientIdentity{
			Name:    r.PatientName,
			Contact: r.PatientContact,
		},
		Snapshot: contractx.AppointmentSnapshot{
			ProviderType: contractx.ProviderType(r.ProviderType),
			ProviderName: r.ProviderName,
			Start:        r.StartsAt,
			Duration:     time.Duration(r.DurationSeconds) * time.Second,
			Summary:      r.Summary,
		},
		Status:           contractx.BookingStatus(r.Status),
		ConfirmationCode: r.ConfirmationCode,
		CancelReason:     r.CancelReason,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ConfirmedAt:      r.ConfirmedAt,
	}
}

// BunStore persists BookingRecords in Postgres through bun.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(db *bun.DB) (*BunStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &BunStore{db: db}, nil
}

func (s *BunStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*bookingRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create booking_records: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*bookingRow)(nil)).
		Index("booking_records_status_created_idx").
		Column("status", "created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create booking_records index: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*bookingRow)(nil)).
		Unique().
		Index(slotConfirmedIndex).
		Column("slot_id").
		Where("status = ?", string(contractx.BookingConfirmed)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create booking_records slot index: %w", err)
	}
	return nil
}

func (s *BunStore) Create(ctx context.Context, rec *contractx.BookingRecord) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: booking id is required", contractx.ErrValidation)
	}
	if _, err := s.db.NewInsert().
		Model(toRow(rec)).
		Returning("NULL").
		Exec(ctx); err != nil {
		return fmt.Errorf("insert booking %s: %w", rec.ID, err)
	}
	return nil
}

func (s *BunStore) Get(ctx context.Context, id string) (*contractx.BookingRecord, error) {
	row := new(bookingRow)
	err := s.db.NewSelect().
		Model(row).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select booking %s: %w", id, err)
	}
	return row.record(), nil
}

func (s *BunStore) Transition(ctx context.Context, rec *contractx.BookingRecord, from contractx.BookingStatus) error {
	res, err := s.db.NewUpdate().
		Model(toRow(rec)).
		WherePK().
		Where("status = ?", string(from)).
		Returning("NULL").
		Exec(ctx)
	if isSlotTaken(err) {
		return fmt.Errorf("%w: %s: %v", ErrSlotTaken, rec.SlotID, err)
	}
	if err != nil {
		return fmt.Errorf("update booking %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update booking %s: %w", rec.ID, err)
	}
	if n == 1 {
		return nil
	}

	exists, err := s.db.NewSelect().
		Model((*bookingRow)(nil)).
		Where("id = ?", rec.ID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("check booking %s: %w", rec.ID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrBookingNotFound, rec.ID)
	}
	return fmt.Errorf("%w: %s is no longer %s", ErrStaleBooking, rec.ID, from)
}

func (s *BunStore) ListByStatus(ctx context.Context, status contractx.BookingStatus, createdBefore time.Time) ([]*contractx.BookingRecord, error) {
	var rows []bookingRow
	q := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(status)).
		Order("created_at ASC")
	if !createdBefore.IsZero() {
		q = q.Where("created_at < ?", createdBefore.UTC())
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list bookings status=%s: %w", status, err)
	}

	out := make([]*contractx.BookingRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

// isSlotTaken reports a unique violation on the confirmed-slot index.
func isSlotTaken(err error) bool {
	if err == nil {
		return false
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505" && pgErr.Field('n') == slotConfirmedIndex
	}
	return strings.Contains(err.Error(), slotConfirmedIndex)
}
