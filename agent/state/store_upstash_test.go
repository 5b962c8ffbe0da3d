package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
)

func newUpstashTestStore(t *testing.T, handler http.HandlerFunc, opts ...StoreOption) *UpstashRedisStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]StoreOption{WithHTTPClient(server.Client())}, opts...)
	store, err := NewUpstashRedisStore(UpstashRedisConfig{URL: server.URL, Token: "token"}, opts...)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}
	return store
}

func TestUpstashRedisStoreRedisKey(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{keyPrefix: defaultStoreKeyPrefix}
	got, err := store.redisKey("abc")
	if err != nil {
		t.Fatalf("redisKey() error = %v", err)
	}
	if got != "care:session:abc" {
		t.Fatalf("redisKey() = %q, want %q", got, "care:session:abc")
	}

	if _, err := store.redisKey("   "); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("redisKey() error = %v, want ErrInvalidSession", err)
	}
}

func TestUpstashRedisStoreSave(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	store := newUpstashTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Errorf("decode command: %v", err)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"result":[1,0]}`)
	}, WithKeyPrefix("test:"), WithTTL(90*time.Second))

	st := NewSessionState("conv-1", time.Now())
	if err := store.Save(context.Background(), st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if st.Version != 1 {
		t.Fatalf("Version = %d, want 1", st.Version)
	}

	if len(gotCommand) != 7 {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
	if gotCommand[0] != "EVAL" || gotCommand[2] != "1" || gotCommand[3] != "test:conv-1" {
		t.Fatalf("command = %v %v %v, want EVAL 1 test:conv-1", gotCommand[0], gotCommand[2], gotCommand[3])
	}
	if gotCommand[5] != "0" || gotCommand[6] != "90" {
		t.Fatalf("expected version and ttl = %v %v, want 0 90", gotCommand[5], gotCommand[6])
	}
}

func TestUpstashRedisStoreSaveStale(t *testing.T) {
	t.Parallel()

	store := newUpstashTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[0,3]}`)
	})

	st := NewSessionState("conv-1", time.Now())
	err := store.Save(context.Background(), st)
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("Save() error = %v, want ErrStaleSession", err)
	}
	if st.Version != 0 {
		t.Fatalf("Version = %d, want rollback to 0", st.Version)
	}
}

// restOverMiniredis answers Upstash REST calls by running them on miniredis,
// which executes the save script for real.
func restOverMiniredis(t *testing.T) http.HandlerFunc {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var command []any
		if err := json.NewDecoder(r.Body).Decode(&command); err != nil {
			t.Errorf("decode command: %v", err)
			return
		}
		result, err := client.Do(r.Context(), command...).Result()
		switch {
		case errors.Is(err, redis.Nil):
			result = nil
		case err != nil:
			_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	}
}

func TestUpstashRedisStoreRejectsLostUpdate(t *testing.T) {
	t.Parallel()

	store := newUpstashTestStore(t, restOverMiniredis(t), WithTTL(time.Hour))
	ctx := context.Background()

	if err := store.Save(ctx, NewSessionState("conv-5", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	a, err := store.Load(ctx, "conv-5")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := store.Load(ctx, "conv-5")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	a.AppendTurn(contractx.RoleUser, "turn from a", time.Now(), DefaultHistoryTurns)
	b.AppendTurn(contractx.RoleUser, "turn from b", time.Now(), DefaultHistoryTurns)
	if err := store.Save(ctx, a); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	if err := store.Save(ctx, b); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("Save(b) error = %v, want ErrStaleSession", err)
	}

	got, err := store.Load(ctx, "conv-5")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Version != 2 || len(got.History) != 1 || got.History[0].Text != "turn from a" {
		t.Fatalf("stored session = version %d history %#v", got.Version, got.History)
	}
}

func TestUpstashRedisStoreLoad(t *testing.T) {
	t.Parallel()

	seed := NewSessionState("conv-2", time.Now())
	wctx := contractx.NewWorkflowContext("run-1", "I have a rash", contractx.PatientHints{})
	seed.SetContext(contractx.StateScheduling, wctx.WithProvider(contractx.ProviderDermatologist, ""))
	payload, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	encoded, err := json.Marshal(string(payload))
	if err != nil {
		t.Fatalf("marshal encoded seed: %v", err)
	}

	var gotCommand []any
	store := newUpstashTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Errorf("decode command: %v", err)
		}
		fmt.Fprintf(w, `{"result":%s}`, encoded)
	})

	st, err := store.Load(context.Background(), "conv-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.Phase != contractx.StateScheduling {
		t.Fatalf("Load().Phase = %q, want scheduling", st.Phase)
	}
	if st.Context == nil || st.Context.ProviderType != contractx.ProviderDermatologist {
		t.Fatalf("Load().Context = %#v", st.Context)
	}
	if gotCommand[0] != "GET" || gotCommand[1] != "care:session:conv-2" {
		t.Fatalf("command = %#v", gotCommand)
	}
}

func TestUpstashRedisStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store := newUpstashTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":null}`)
	})
	if _, err := store.Load(context.Background(), "nobody"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("Load() error = %v, want ErrStateNotFound", err)
	}
}

func TestUpstashRedisStoreDelete(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	store := newUpstashTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Errorf("decode command: %v", err)
		}
		fmt.Fprint(w, `{"result":1}`)
	})

	if err := store.Delete(context.Background(), "conv-3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if gotCommand[0] != "DEL" || gotCommand[1] != "care:session:conv-3" {
		t.Fatalf("command = %#v", gotCommand)
	}
}

func TestUpstashRedisStoreSurfacesRedisErrors(t *testing.T) {
	t.Parallel()

	store := newUpstashTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"WRONGPASS invalid password"}`)
	})
	err := store.Delete(context.Background(), "conv-4")
	if err == nil || err.Error() != "WRONGPASS invalid password" {
		t.Fatalf("Delete() error = %v", err)
	}
}
