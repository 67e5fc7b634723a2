package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendTextPostsAndParsesAck(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sendText" {
			t.Errorf("posted to %s", r.URL.Path)
		}
		gotKey = r.Header.Get("X-Api-Key")
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["session"] != "session-a" || body["chatId"] != "628555@c.us" {
			t.Errorf("body routed to %v/%v", body["session"], body["chatId"])
		}
		json.NewEncoder(w).Encode(SendResult{ID: "wamid-9"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	res, err := c.SendText(context.Background(), "session-a", "628555@c.us", "halo")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.ID != "wamid-9" {
		t.Errorf("ack id = %q, want wamid-9", res.ID)
	}
	if gotKey != "secret" {
		t.Errorf("X-Api-Key = %q, want secret", gotKey)
	}
}

func TestSendTextErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not working", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").SendText(context.Background(), "s", "c", "halo")
	var sendErr *ErrSendFailed
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if sendErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", sendErr.StatusCode)
	}
}

func TestSessionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/session-a" {
			t.Errorf("queried %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "SCAN_QR"})
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL, "").SessionStatus(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if status != "SCAN_QR" {
		t.Errorf("status = %q, want SCAN_QR", status)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/server/status" {
			t.Errorf("probed %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	if !NewClient(srv.URL, "").Health(context.Background()) {
		t.Error("live gateway reported unhealthy")
	}
	srv.Close()

	// The closed server is unreachable.
	if NewClient(srv.URL, "").Health(context.Background()) {
		t.Error("closed gateway reported healthy")
	}
}
