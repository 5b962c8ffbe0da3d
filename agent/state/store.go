package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrStateNotFound   = errors.New("session state not found")
	ErrNilSessionState = errors.New("session state is nil")
	ErrInvalidSession  = errors.New("conversation id is empty")
	// ErrStaleSession means another writer saved the session after it was
	// loaded.
	ErrStaleSession = errors.New("session state was modified concurrently")
)

const (
	defaultStoreKeyPrefix = "care:session:"
	defaultStoreTTL       = 24 * time.Hour
)

// Store is the Session Store used by the orchestrator: Load is get, Save is
// put and Delete is clear. Save is a compare-and-set on Version: it succeeds
// only while the stored version is the one the state was loaded with (absent
// for version 0) and fails with ErrStaleSession otherwise. Within a process
// callers also serialise per conversation with a KeyedLocker.
type Store interface {
	Load(ctx context.Context, conversationID string) (*SessionState, error)
	Save(ctx context.Context, st *SessionState) error
	Delete(ctx context.Context, conversationID string) error
}

type storeOptions struct {
	keyPrefix  string
	ttl        time.Duration
	httpClient *http.Client
}

// StoreOption customizes the Redis backed stores.
type StoreOption func(*storeOptions)

func WithKeyPrefix(prefix string) StoreOption {
	return func(o *storeOptions) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			o.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.ttl = ttl
	}
}

// WithHTTPClient only applies to the Upstash REST store.
func WithHTTPClient(client *http.Client) StoreOption {
	return func(o *storeOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

func buildOptions(opts []StoreOption) (storeOptions, error) {
	o := storeOptions{
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       defaultStoreTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.ttl < 0 {
		return o, errors.New("ttl must be >= 0")
	}
	return o, nil
}

func sessionKey(prefix, conversationID string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", ErrInvalidSession
	}
	return strings.TrimSpace(prefix) + conversationID, nil
}

// prepareSave stamps the next version and encodes the state. It returns the
// version the stored copy must still have; callers hand that to
// rollbackVersion when the write does not happen.
func prepareSave(st *SessionState) ([]byte, int64, error) {
	if st == nil {
		return nil, 0, ErrNilSessionState
	}
	if strings.TrimSpace(st.ConversationID) == "" {
		return nil, 0, ErrInvalidSession
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	} else {
		st.UpdatedAt = st.UpdatedAt.UTC()
	}
	if err := st.Validate(); err != nil {
		return nil, 0, fmt.Errorf("refusing to save invalid session state: %w", err)
	}

	expected := st.Version
	st.Version++
	payload, err := json.Marshal(st)
	if err != nil {
		st.Version = expected
		return nil, 0, fmt.Errorf("marshal session state: %w", err)
	}
	return payload, expected, nil
}

func rollbackVersion(st *SessionState, expected int64) {
	st.Version = expected
}

func staleErr(conversationID string, stored, expected int64) error {
	return fmt.Errorf("%w: %s is at version %d, write expected %d", ErrStaleSession, conversationID, stored, expected)
}

// storedVersion reads the version field of an encoded session without
// validating the rest of it.
func storedVersion(raw []byte) (int64, error) {
	var head struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("unmarshal session version: %w", err)
	}
	return head.Version, nil
}

func decodeState(raw []byte) (*SessionState, error) {
	var st SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session state loaded from store: %w", err)
	}
	return &st, nil
}
