package contract

import (
	"context"
	"time"
)

// Generator is the opaque text-generation capability.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, q RetrievalQuery) ([]Candidate, error)
}

type Booker interface {
	Propose(ctx context.Context, conversationID string, wctx WorkflowContext, slotID string) (*BookingRecord, error)
	Commit(ctx context.Context, bookingID string, slotID string, patient PatientIdentity) (*BookingRecord, error)
	Cancel(ctx context.Context, bookingID string, reason string) (*BookingRecord, error)
	Get(ctx context.Context, bookingID string) (*BookingRecord, error)
	ExpirePending(ctx context.Context, cutoff time.Time) ([]*BookingRecord, error)
}

type BookingNotifier interface {
	BookingConfirmed(ctx context.Context, rec *BookingRecord) error
}
