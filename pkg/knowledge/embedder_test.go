package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbedQueryUsesTaskPrefix(t *testing.T) {
	var gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotInput = req.Inputs
		json.NewEncoder(w).Encode([][]float32{{0.1, 0.2}})
	}))
	defer srv.Close()

	c := NewTEIClient(srv.URL)
	vec, err := c.EmbedQuery(context.Background(), "dimana toko anda")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("vector length %d, want 2", len(vec))
	}
	if !strings.HasPrefix(gotInput, PrefixQuery) {
		t.Errorf("input %q missing query prefix", gotInput)
	}
}

func TestTEIHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("health probed %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	if err := NewTEIClient(up.URL).Health(context.Background()); err != nil {
		t.Errorf("Health against live service: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := NewTEIClient(down.URL).Health(context.Background()); err == nil {
		t.Error("Health reported an unhealthy service as ok")
	}
}
