package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestTelegramSendDelivered(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	outcome, err := n.Send(context.Background(), "chat-123", "risk alert")
	if err != nil {
		t.Fatalf("send should succeed: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", outcome)
	}
	if received["chat_id"] != "chat-123" {
		t.Fatalf("chat_id mismatch: %#v", received)
	}
	if received["text"] == "" {
		t.Fatal("text should be non-empty")
	}
}

func TestTelegramSendBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	outcome, err := n.Send(context.Background(), "chat-123", "risk alert")
	if err != nil {
		t.Fatalf("blocked is an outcome, not an error: %v", err)
	}
	if outcome != OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", outcome)
	}
}

func TestTelegramSendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	outcome, err := n.Send(context.Background(), "chat-123", "risk alert")
	if err == nil {
		t.Fatal("429 should surface an error")
	}
	if outcome != OutcomeTransient {
		t.Fatalf("expected transient, got %s", outcome)
	}
}

func TestTelegramSendOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	outcome, err := n.Send(context.Background(), "chat-123", "risk alert")
	if err == nil {
		t.Fatal("ok=false should surface an error")
	}
	if outcome != OutcomeTransient {
		t.Fatalf("expected transient, got %s", outcome)
	}
}
