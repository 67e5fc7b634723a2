package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirim-labs/kirim/pkg/catalog"
	"github.com/kirim-labs/kirim/pkg/knowledge"
	"github.com/kirim-labs/kirim/pkg/provider"
)

type fakeRetriever struct {
	matches []knowledge.Match
}

func (f *fakeRetriever) SearchSimilar(ctx context.Context, ownerID, query string, topK int) []knowledge.Match {
	return f.matches
}

type fakeRouter struct {
	profiles []provider.Profile
	reply    string
	failures map[string]error
	requests []provider.Request
}

func (f *fakeRouter) Eligible(ctx context.Context) ([]provider.Profile, error) {
	return f.profiles, nil
}

func (f *fakeRouter) Complete(ctx context.Context, p provider.Profile, req provider.Request) (string, error) {
	f.requests = append(f.requests, req)
	if err, ok := f.failures[p.Name]; ok {
		return "", err
	}
	return f.reply, nil
}

type fakeCatalog struct {
	products []catalog.Product
}

func (f *fakeCatalog) ListByOwner(ctx context.Context, ownerID string, limit int) ([]catalog.Product, error) {
	return f.products, nil
}

func oneProfile(name string) []provider.Profile {
	return []provider.Profile{{ID: 1, Name: name, Kind: "openai", ModelID: "gpt-4o-mini"}}
}

func TestGenerateGrounded(t *testing.T) {
	router := &fakeRouter{profiles: oneProfile("p1"), reply: "Tentu Kak, produk ini tersedia!"}
	gen := NewGenerator(
		&fakeRetriever{matches: []knowledge.Match{{Text: "Garansi produk 12 bulan."}}},
		router, &fakeCatalog{}, nil)

	res, err := gen.Generate(context.Background(), Input{
		OwnerID: "o1", ContactName: "Budi", Prompt: "berapa lama garansinya?",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Grounded {
		t.Error("answer without the not-found phrase should be grounded")
	}
	if res.Text != router.reply {
		t.Errorf("Text = %q", res.Text)
	}

	sys := router.requests[0].System
	if !strings.Contains(sys, "Garansi produk 12 bulan.") {
		t.Error("retrieved chunk missing from system prompt")
	}
	if !strings.Contains(sys, "Budi") {
		t.Error("contact name not substituted into persona")
	}
}

func TestGenerateUngrounded(t *testing.T) {
	router := &fakeRouter{
		profiles: oneProfile("p1"),
		reply:    "Mohon maaf Kak, informasi tersebut belum tersedia di data kami.",
	}
	gen := NewGenerator(&fakeRetriever{}, router, &fakeCatalog{}, nil)

	res, err := gen.Generate(context.Background(), Input{OwnerID: "o1", Prompt: "apakah ada cabang di mars?"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Grounded {
		t.Error("not-found reply must be reported as ungrounded")
	}
}

func TestGenerateEmptyContextStillAnswers(t *testing.T) {
	router := &fakeRouter{profiles: oneProfile("p1"), reply: "Halo Kak!"}
	gen := NewGenerator(&fakeRetriever{}, router, &fakeCatalog{}, nil)

	if _, err := gen.Generate(context.Background(), Input{OwnerID: "o1", Prompt: "halo"}); err != nil {
		t.Fatalf("Generate with empty retrieval: %v", err)
	}
	if !strings.Contains(router.requests[0].System, "(Kosong)") {
		t.Error("empty knowledge base should be stated in the prompt")
	}
}

func TestGenerateFailover(t *testing.T) {
	router := &fakeRouter{
		profiles: []provider.Profile{
			{ID: 1, Name: "flaky", Kind: "openai"},
			{ID: 2, Name: "stable", Kind: "openai"},
		},
		reply:    "jawaban",
		failures: map[string]error{"flaky": &provider.ProviderError{Provider: "flaky", Message: "timeout"}},
	}
	gen := NewGenerator(&fakeRetriever{}, router, &fakeCatalog{}, nil)

	res, err := gen.Generate(context.Background(), Input{OwnerID: "o1", Prompt: "tes"})
	if err != nil {
		t.Fatalf("Generate with failover: %v", err)
	}
	if res.Text != "jawaban" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(router.requests) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(router.requests))
	}
}

func TestGenerateNoProvider(t *testing.T) {
	gen := NewGenerator(&fakeRetriever{}, &fakeRouter{}, &fakeCatalog{}, nil)

	_, err := gen.Generate(context.Background(), Input{OwnerID: "o1", Prompt: "tes"})
	if !errors.Is(err, provider.ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestGenerateAllProvidersFail(t *testing.T) {
	router := &fakeRouter{
		profiles: oneProfile("down"),
		failures: map[string]error{"down": errors.New("boom")},
	}
	gen := NewGenerator(&fakeRetriever{}, router, &fakeCatalog{}, nil)

	_, err := gen.Generate(context.Background(), Input{OwnerID: "o1", Prompt: "tes"})
	if !errors.Is(err, provider.ErrNoProvider) {
		t.Fatalf("err = %v, want wrapped ErrNoProvider", err)
	}
}

func TestHistoryDedupAndBound(t *testing.T) {
	router := &fakeRouter{profiles: oneProfile("p1"), reply: "ok"}
	gen := NewGenerator(&fakeRetriever{}, router, &fakeCatalog{}, nil)

	var history []provider.Message
	for i := 0; i < 15; i++ {
		history = append(history, provider.Message{Role: "user", Content: "old message"})
	}
	history = append(history, provider.Message{Role: "user", Content: "pertanyaan baru"})

	_, err := gen.Generate(context.Background(), Input{
		OwnerID: "o1", Prompt: "pertanyaan baru", History: history,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msgs := router.requests[0].Messages
	if len(msgs) > historyTurns+1 {
		t.Errorf("message list %d exceeds history bound", len(msgs))
	}
	// The current prompt must appear exactly once, at the end.
	count := 0
	for _, m := range msgs {
		if m.Content == "pertanyaan baru" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("current prompt appears %d times, want 1", count)
	}
	if msgs[len(msgs)-1].Content != "pertanyaan baru" {
		t.Error("current prompt not last")
	}
}

func TestCatalogInPrompt(t *testing.T) {
	router := &fakeRouter{profiles: oneProfile("p1"), reply: "ok"}
	gen := NewGenerator(&fakeRetriever{}, router, &fakeCatalog{products: []catalog.Product{
		{ID: "prod-1", Title: "Serum Wajah", Price: 150000, Discount: "10%"},
	}}, nil)

	if _, err := gen.Generate(context.Background(), Input{OwnerID: "o1", Prompt: "ada serum?"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sys := router.requests[0].System
	if !strings.Contains(sys, "Serum Wajah") || !strings.Contains(sys, "prod-1") {
		t.Error("catalog block missing product data")
	}
}

func TestParseIdentity(t *testing.T) {
	cases := []struct {
		in   string
		want Identity
	}{
		{`{"name": "Budi", "city": "Solo"}`, Identity{Name: "Budi", City: "Solo"}},
		{"```json\n{\"name\": \"Ani\", \"city\": null}\n```", Identity{Name: "Ani"}},
		{`{"name": "null", "city": "Jakarta"}`, Identity{City: "Jakarta"}},
		{`not json at all`, Identity{}},
	}
	for _, tc := range cases {
		if got := parseIdentity(tc.in); got != tc.want {
			t.Errorf("parseIdentity(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}
