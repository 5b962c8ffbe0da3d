package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	embedx "github.com/tanpawarit/care-dialogue-scheduler/agent/embedding"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
)

type fakeScheduler struct {
	chatReqs   []orchestrator.ChatRequest
	confirmErr error
	cleared    []string
	last       *contractx.Turn
}

func (f *fakeScheduler) HandleMessage(_ context.Context, req orchestrator.ChatRequest) (orchestrator.ChatResponse, error) {
	f.chatReqs = append(f.chatReqs, req)
	if strings.TrimSpace(req.Message) == "" {
		return orchestrator.ChatResponse{}, fmt.Errorf("%w: message is empty", contractx.ErrValidation)
	}
	return orchestrator.ChatResponse{
		ConversationID:    req.ConversationID,
		Reply:             "echo: " + req.Message,
		WorkflowTriggered: true,
		State:             contractx.StateAwaitingConfirmation,
	}, nil
}

func (f *fakeScheduler) ConfirmBooking(_ context.Context, req orchestrator.ConfirmRequest) (orchestrator.ConfirmResponse, error) {
	resp := orchestrator.ConfirmResponse{ConversationID: req.ConversationID}
	if f.confirmErr != nil {
		resp.Reason = contractx.Kind(f.confirmErr)
		resp.Alternatives = []contractx.Candidate{{SlotID: "slot_0002"}}
		return resp, f.confirmErr
	}
	resp.Confirmed = true
	resp.Booking = &contractx.BookingRecord{ID: "b-1", SlotID: req.SlotID, Status: contractx.BookingConfirmed}
	return resp, nil
}

func (f *fakeScheduler) ClearSession(_ context.Context, id string) error {
	if id == "" {
		return contractx.ErrValidation
	}
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeScheduler) LastReply(_ context.Context, id string) (contractx.Turn, bool, error) {
	if f.last == nil {
		return contractx.Turn{}, false, nil
	}
	return *f.last, true, nil
}

func newTestServer(t *testing.T, sched *fakeScheduler, cfg Config) (http.Handler, *slotx.Index) {
	t.Helper()
	idx, err := slotx.NewIndex(embedx.NewHashEmbedder(16))
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}

	reg := prometheus.NewRegistry()
	srv, err := New(cfg, Deps{
		Scheduler: sched,
		Slots:     idx,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv.Handler(), idx
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doFrom(t, h, "", method, path, body)
}

// doFrom sends the request as if forwarded for clientIP; empty keeps the
// httptest default remote address.
func doFrom(t *testing.T, h http.Handler, clientIP, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if clientIP != "" {
		req.Header.Set("X-Real-IP", clientIP)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func TestChatAssignsConversationID(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h, _ := newTestServer(t, sched, Config{})

	rec := do(t, h, http.MethodPost, "/chat", `{"message":"I have chest pain","patient_info":{"age":70}}`)
	wantStatus(t, rec, http.StatusOK)

	var resp orchestrator.ChatResponse
	decodeBody(t, rec, &resp)
	if resp.ConversationID == "" || !resp.WorkflowTriggered || resp.State != contractx.StateAwaitingConfirmation {
		t.Fatalf("response = %#v", resp)
	}
	if len(sched.chatReqs) != 1 || sched.chatReqs[0].Hints.Age != 70 {
		t.Fatalf("scheduler saw %#v", sched.chatReqs)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, &fakeScheduler{}, Config{})

	wantStatus(t, do(t, h, http.MethodPost, "/chat", `{"message":`), http.StatusBadRequest)

	rec := do(t, h, http.MethodPost, "/chat", `{"message":"  ","conversation_id":"c1"}`)
	wantStatus(t, rec, http.StatusBadRequest)
	if !strings.Contains(rec.Body.String(), contractx.KindValidation) {
		t.Fatalf("body = %s, want %s", rec.Body.String(), contractx.KindValidation)
	}
}

func TestChatRateLimitedPerConversation(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, &fakeScheduler{}, Config{RateLimit: 0.001, RateBurst: 1})

	wantStatus(t, do(t, h, http.MethodPost, "/chat", `{"message":"hi","conversation_id":"c1"}`), http.StatusOK)
	wantStatus(t, do(t, h, http.MethodPost, "/chat", `{"message":"hi","conversation_id":"c1"}`), http.StatusTooManyRequests)
	wantStatus(t, do(t, h, http.MethodPost, "/chat", `{"message":"hi","conversation_id":"c2"}`), http.StatusOK)
}

func TestChatRateLimitedPerClientWithoutConversationID(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h, _ := newTestServer(t, sched, Config{
		RateLimit:       0.001,
		RateBurst:       1,
		ClientRateLimit: 0.001,
		ClientRateBurst: 2,
	})

	// Each request omits conversation_id, so each gets a fresh id.
	wantStatus(t, doFrom(t, h, "203.0.113.7", http.MethodPost, "/chat", `{"message":"hi"}`), http.StatusOK)
	wantStatus(t, doFrom(t, h, "203.0.113.7", http.MethodPost, "/chat", `{"message":"hi"}`), http.StatusOK)
	wantStatus(t, doFrom(t, h, "203.0.113.7", http.MethodPost, "/chat", `{"message":"hi"}`), http.StatusTooManyRequests)
	wantStatus(t, doFrom(t, h, "198.51.100.9", http.MethodPost, "/chat", `{"message":"hi"}`), http.StatusOK)

	if len(sched.chatReqs) != 3 {
		t.Fatalf("scheduler handled %d messages, want 3", len(sched.chatReqs))
	}
}

func TestConfirmStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "confirmed", want: http.StatusOK},
		{name: "conflict", err: fmt.Errorf("%w: slot_0001", contractx.ErrConfirmationConflict), want: http.StatusConflict},
		{name: "invariant", err: fmt.Errorf("%w: not offered", contractx.ErrInvariantViolation), want: http.StatusUnprocessableEntity},
		{name: "validation", err: fmt.Errorf("%w: echo mismatch", contractx.ErrValidation), want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h, _ := newTestServer(t, &fakeScheduler{confirmErr: tc.err}, Config{})
			rec := do(t, h, http.MethodPost, "/booking/confirm",
				`{"conversation_id":"c1","slot_id":"slot_0001","patient_name":"Ann Lee","patient_contact":"ann@example.com"}`)
			wantStatus(t, rec, tc.want)

			var body map[string]any
			decodeBody(t, rec, &body)
			if tc.err == nil {
				if body["confirmed"] != true {
					t.Fatalf("body = %v, want confirmed", body)
				}
				return
			}
			if body["reason"] != contractx.Kind(tc.err) || body["error"] == "" || body["error"] == nil {
				t.Fatalf("body = %v, want reason %s", body, contractx.Kind(tc.err))
			}
			if tc.want == http.StatusConflict {
				if alts, _ := body["alternatives"].([]any); len(alts) == 0 {
					t.Fatalf("conflict without alternatives: %v", body)
				}
			}
		})
	}
}

func TestClearAndLastReply(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h, _ := newTestServer(t, sched, Config{})

	wantStatus(t, do(t, h, http.MethodGet, "/sessions/c1/last-reply", ""), http.StatusNotFound)

	sched.last = &contractx.Turn{Role: contractx.RoleAssistant, Text: "see you soon", At: time.Now()}
	rec := do(t, h, http.MethodGet, "/sessions/c1/last-reply", "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "see you soon") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	wantStatus(t, do(t, h, http.MethodPost, "/session/clear", `{"conversation_id":"c1"}`), http.StatusOK)
	if len(sched.cleared) != 1 || sched.cleared[0] != "c1" {
		t.Fatalf("cleared = %v", sched.cleared)
	}
}

func TestAdminAddSlot(t *testing.T) {
	t.Parallel()

	h, idx := newTestServer(t, &fakeScheduler{}, Config{})

	body := `{"id":"slot_9000","provider_type":"cardiologist","provider_name":"Dr. Sarah Chen","start":"2026-03-03T10:00:00Z","duration_minutes":45}`
	wantStatus(t, do(t, h, http.MethodPost, "/admin/slots", body), http.StatusCreated)
	if _, ok := idx.Get("slot_9000"); !ok {
		t.Fatalf("slot_9000 was not indexed")
	}

	wantStatus(t, do(t, h, http.MethodPost, "/admin/slots", body), http.StatusBadRequest)
	wantStatus(t, do(t, h, http.MethodPost, "/admin/slots", `{"provider_type":"wizard","start":"2026-03-03T10:00:00Z","duration_minutes":45}`), http.StatusBadRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, &fakeScheduler{}, Config{})

	rec := do(t, h, http.MethodGet, "/healthz", "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	wantStatus(t, do(t, h, http.MethodGet, "/metrics", ""), http.StatusOK)
}

func TestKeyedLimiterNilAllows(t *testing.T) {
	t.Parallel()

	var l *keyedLimiter
	if !l.Allow("any") {
		t.Fatalf("nil limiter refused")
	}
	if newKeyedLimiter(0, 3) != nil {
		t.Fatalf("newKeyedLimiter(0, 3) should disable limiting")
	}
}

func TestClientLimitsDefaults(t *testing.T) {
	t.Parallel()

	if rate, burst := clientLimits(Config{RateLimit: 2, RateBurst: 5}); rate != 8 || burst != 20 {
		t.Fatalf("clientLimits() = %v, %d", rate, burst)
	}
	if rate, burst := clientLimits(Config{RateLimit: 2, ClientRateLimit: 1, ClientRateBurst: 3}); rate != 1 || burst != 3 {
		t.Fatalf("clientLimits() = %v, %d", rate, burst)
	}
	if rate, _ := clientLimits(Config{}); rate != 0 {
		t.Fatalf("clientLimits() rate = %v, want disabled", rate)
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "192.0.2.1:53211"
	if got := clientKey(req); got != "192.0.2.1" {
		t.Fatalf("clientKey() = %q", got)
	}
	req.RemoteAddr = "203.0.113.7"
	if got := clientKey(req); got != "203.0.113.7" {
		t.Fatalf("clientKey() = %q", got)
	}
}
