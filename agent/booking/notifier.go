package booking

import (
	"context"
	"errors"
	"time"

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	qstashx "github.com/tanpawarit/care-dialogue-scheduler/pkg/qstash"
)

// Publisher is the subset of the QStash client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload any, opts ...qstashx.PublishOption) (*qstashx.PublishResponse, error)
}

type ConfirmedEvent struct {
	Event            string                 `json:"event"`
	BookingID        string                 `json:"booking_id"`
	ConversationID   string                 `json:"conversation_id"`
	SlotID           string                 `json:"slot_id"`
	ConfirmationCode string                 `json:"confirmation_code"`
	PatientName      string                 `json:"patient_name"`
	PatientContact   string                 `json:"patient_contact"`
	ProviderType     contractx.ProviderType `json:"provider_type"`
	ProviderName     string                 `json:"provider_name"`
	Start            time.Time              `json:"start"`
	DurationMinutes  int                    `json:"duration_minutes"`
}

// QStashNotifier publishes confirmed bookings to a webhook through QStash.
type QStashNotifier struct {
	publisher   Publisher
	destination string
}

var _ contractx.BookingNotifier = (*QStashNotifier)(nil)

func NewQStashNotifier(publisher Publisher, destination string) (*QStashNotifier, error) {
	if publisher == nil {
		return nil, errors.New("qstash publisher is required")
	}
	if destination == "" {
		return nil, errors.New("notification destination is required")
	}
	return &QStashNotifier{publisher: publisher, destination: destination}, nil
}

func (n *QStashNotifier) BookingConfirmed(ctx context.Context, rec *contractx.BookingRecord) error {
	event := ConfirmedEvent{
		Event:            "booking.confirmed",
		BookingID:        rec.ID,
		ConversationID:   rec.ConversationID,
		SlotID:           rec.SlotID,
		ConfirmationCode: rec.ConfirmationCode,
		PatientName:      rec.Patient.Name,
		PatientContact:   rec.Patient.Contact,
		ProviderType:     rec.Snapshot.ProviderType,
		ProviderName:     rec.Snapshot.ProviderName,
		Start:            rec.Snapshot.Start,
		DurationMinutes:  int(rec.Snapshot.Duration / time.Minute),
	}
	_, err := n.publisher.Publish(ctx, n.destination, event, qstashx.WithDeduplicationID(rec.ID))
	return err
}
