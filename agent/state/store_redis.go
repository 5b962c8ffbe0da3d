package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RedisConfig struct {
	Addr     string        `envconfig:"ADDR" split_words:"true"`
	Password string        `envconfig:"PASSWORD" split_words:"true"`
	DB       int           `envconfig:"DB" default:"0"`
	Timeout  time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"3s"`
}

func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}), nil
}

// RedisStore persists SessionState as JSON strings through go-redis.
type RedisStore struct {
	client    *redis.Client
	tracer    trace.Tracer
	keyPrefix string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, opts ...StoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client:    client,
		tracer:    otel.Tracer("care.agent.state"),
		keyPrefix: o.keyPrefix,
		ttl:       o.ttl,
	}, nil
}

func (s *RedisStore) span(ctx context.Context, name, conversationID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("conversation_id", conversationID)))
}

func (s *RedisStore) Load(ctx context.Context, conversationID string) (*SessionState, error) {
	ctx, span := s.span(ctx, "session.load", conversationID)
	defer span.End()

	key, err := sessionKey(s.keyPrefix, conversationID)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load session %s: %w", conversationID, err)
	}

	st, err := decodeState(raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return st, nil
}

// Save watches the key so a write from another replica between the version
// check and SET aborts the transaction.
func (s *RedisStore) Save(ctx context.Context, st *SessionState) error {
	payload, expected, err := prepareSave(st)
	if err != nil {
		return err
	}
	ctx, span := s.span(ctx, "session.save", st.ConversationID)
	defer span.End()

	key, err := sessionKey(s.keyPrefix, st.ConversationID)
	if err != nil {
		rollbackVersion(st, expected)
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var stored int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if stored, err = storedVersion(raw); err != nil {
				return err
			}
		}
		if stored != expected {
			return staleErr(st.ConversationID, stored, expected)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = fmt.Errorf("%w: %s changed during save", ErrStaleSession, st.ConversationID)
	}
	if err != nil {
		rollbackVersion(st, expected)
		span.RecordError(err)
		if errors.Is(err, ErrStaleSession) {
			return err
		}
		return fmt.Errorf("save session %s: %w", st.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	ctx, span := s.span(ctx, "session.delete", conversationID)
	defer span.End()

	key, err := sessionKey(s.keyPrefix, conversationID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete session %s: %w", conversationID, err)
	}
	return nil
}
