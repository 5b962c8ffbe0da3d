package qstash

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewClientRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{URL: "https://qstash.example.com"}); err == nil {
		t.Fatal("NewClient() error = nil, want error for missing token")
	}
}

func TestPublishSendsAuthorizedJSON(t *testing.T) {
	t.Parallel()

	var (
		gotPath  string
		gotAuth  string
		gotDedup string
		gotBody  map[string]string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotDedup = r.Header.Get("Upstash-Deduplication-Id")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"messageId":"msg_1"}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{URL: server.URL + "/", Token: "secret"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	resp, err := client.Publish(context.Background(), "https://hooks.example.com/bookings",
		map[string]string{"booking_id": "b1"}, WithDeduplicationID("b1"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if resp.MessageID != "msg_1" {
		t.Fatalf("MessageID = %q, want msg_1", resp.MessageID)
	}
	if gotPath != "/v2/publish/https://hooks.example.com/bookings" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q, want Bearer secret", gotAuth)
	}
	if gotDedup != "b1" {
		t.Fatalf("Upstash-Deduplication-Id = %q, want b1", gotDedup)
	}
	if gotBody["booking_id"] != "b1" {
		t.Fatalf("body = %#v", gotBody)
	}
}

func TestPublishReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	client := MustNew(Config{URL: server.URL, Token: "secret"})
	_, err := client.Publish(context.Background(), "https://hooks.example.com", map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("Publish() error = %v, want status 429", err)
	}
}
