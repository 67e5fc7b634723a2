// Package answer composes grounded replies: retrieved knowledge plus
// the product catalog plus conversation history, generated through
// whichever provider profile has quota left.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirim-labs/kirim/pkg/catalog"
	"github.com/kirim-labs/kirim/pkg/knowledge"
	"github.com/kirim-labs/kirim/pkg/provider"
)

const (
	// retrievalTopK bounds how many knowledge chunks feed one answer.
	retrievalTopK = 8

	// historyTurns bounds how much conversation history the model sees.
	historyTurns = 10

	// knowledgeTokenBudget caps the knowledge block so a fat retrieval
	// cannot crowd the history out of the context window.
	knowledgeTokenBudget = 3000

	// notFoundPhrase is the phrase the system prompt makes the model
	// emit when the supplied data cannot answer the question. It stays
	// inside this package; callers read Result.Grounded instead.
	notFoundPhrase = "informasi tersebut belum tersedia"
)

// Result is one generated reply. Grounded is false when the model
// reported that the knowledge base had no answer; two ungrounded
// answers in a row trigger the conversation cooldown upstream.
type Result struct {
	Text     string
	Grounded bool
}

// Retriever fetches knowledge context for a query.
type Retriever interface {
	SearchSimilar(ctx context.Context, ownerID, query string, topK int) []knowledge.Match
}

// Router yields eligible provider profiles and executes completions.
type Router interface {
	Eligible(ctx context.Context) ([]provider.Profile, error)
	Complete(ctx context.Context, p provider.Profile, req provider.Request) (string, error)
}

// Catalog lists a tenant's products for the prompt's price list.
type Catalog interface {
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]catalog.Product, error)
}

// PersonaStore resolves a tenant's custom system prompt. An empty
// string means the default sales persona applies.
type PersonaStore interface {
	CustomPrompt(ctx context.Context, ownerID string) (string, error)
}

// Generator builds prompts and runs the provider failover loop.
type Generator struct {
	retriever Retriever
	router    Router
	catalog   Catalog
	personas  PersonaStore // optional

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewGenerator creates a generator. personas may be nil; every tenant
// then gets the default persona.
func NewGenerator(retriever Retriever, router Router, cat Catalog, personas PersonaStore) *Generator {
	return &Generator{
		retriever: retriever,
		router:    router,
		catalog:   cat,
		personas:  personas,
	}
}

// Input describes one reply to generate.
type Input struct {
	OwnerID         string
	ContactName     string
	ContactLocation string
	Prompt          string
	History         []provider.Message
}

// Generate produces one reply. Empty retrieval is not an error; the
// model is told the knowledge base is empty and answers accordingly.
// When no provider is eligible or every eligible provider fails, the
// error wraps provider.ErrNoProvider and the caller suppresses or
// defers the reply.
func (g *Generator) Generate(ctx context.Context, in Input) (*Result, error) {
	matches := g.retriever.SearchSimilar(ctx, in.OwnerID, in.Prompt, retrievalTopK)
	system := g.buildSystemPrompt(ctx, in, matches)

	messages := make([]provider.Message, 0, len(in.History)+1)
	history := in.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, m := range history {
		if m.Content == in.Prompt {
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, provider.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: in.Prompt})

	profiles, err := g.router.Eligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible providers: %w", err)
	}
	if len(profiles) == 0 {
		return nil, provider.ErrNoProvider
	}

	req := provider.Request{
		System:      system,
		Messages:    messages,
		Temperature: 0.7,
	}

	for _, p := range profiles {
		text, err := g.router.Complete(ctx, p, req)
		if err != nil {
			slog.Warn("provider failed, trying next", "provider", p.Name, "error", err)
			continue
		}
		return &Result{
			Text:     text,
			Grounded: !strings.Contains(strings.ToLower(text), notFoundPhrase),
		}, nil
	}
	return nil, fmt.Errorf("all %d eligible providers failed: %w", len(profiles), provider.ErrNoProvider)
}

// buildSystemPrompt assembles persona, product catalog and knowledge
// blocks. Retrieval and catalog failures degrade to empty blocks.
func (g *Generator) buildSystemPrompt(ctx context.Context, in Input, matches []knowledge.Match) string {
	persona := ""
	if g.personas != nil {
		custom, err := g.personas.CustomPrompt(ctx, in.OwnerID)
		if err != nil {
			slog.Warn("custom persona lookup failed", "owner", in.OwnerID, "error", err)
		} else {
			persona = custom
		}
	}
	if persona == "" {
		persona = defaultPersona
	}

	name := in.ContactName
	if name == "" {
		name = "Unknown"
	}
	location := in.ContactLocation
	if location == "" {
		location = "Unknown"
	}
	persona = strings.ReplaceAll(persona, "${contactName}", name)
	persona = strings.ReplaceAll(persona, "${contactLocation}", location)

	var b strings.Builder
	b.WriteString(persona)

	if products := g.listProducts(ctx, in.OwnerID); len(products) > 0 {
		b.WriteString("\n\n--- DAFTAR PRODUK RESMI ---\n")
		for i, p := range products {
			if i > 0 {
				b.WriteString("\n---\n")
			}
			promo := p.Discount
			if promo == "" {
				promo = "Normal"
			}
			fmt.Fprintf(&b, "ID: %s\n- Nama: %s\n- Harga: Rp %d\n- Promo: %s\n- Deskripsi: %s",
				p.ID, p.Title, p.Price, promo, p.Description)
		}
	}

	b.WriteString("\n\n--- BASIS PENGETAHUAN ---\n")
	if len(matches) == 0 {
		b.WriteString("(Kosong)")
	} else {
		b.WriteString(g.knowledgeBlock(matches))
	}
	b.WriteString("\n--- AKHIR BASIS PENGETAHUAN ---")

	return b.String()
}

// knowledgeBlock renders retrieved chunks, dropping the farthest ones
// when the block would blow the token budget.
func (g *Generator) knowledgeBlock(matches []knowledge.Match) string {
	var b strings.Builder
	used := 0
	for i, m := range matches {
		entry := fmt.Sprintf("[%d] %s", i+1, m.Text)
		tokens := g.tokenCount(entry)
		if used+tokens > knowledgeTokenBudget && i > 0 {
			slog.Debug("knowledge block trimmed", "kept", i, "dropped", len(matches)-i)
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry)
		used += tokens
	}
	return b.String()
}

func (g *Generator) listProducts(ctx context.Context, ownerID string) []catalog.Product {
	if g.catalog == nil {
		return nil
	}
	products, err := g.catalog.ListByOwner(ctx, ownerID, 15)
	if err != nil {
		slog.Warn("product catalog lookup failed", "owner", ownerID, "error", err)
		return nil
	}
	return products
}

// tokenCount measures text with cl100k_base, falling back to a rough
// bytes/4 estimate when the encoding is unavailable offline.
func (g *Generator) tokenCount(text string) int {
	g.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, estimating tokens", "error", err)
			return
		}
		g.enc = enc
	})
	if g.enc == nil {
		return len(text) / 4
	}
	return len(g.enc.Encode(text, nil, nil))
}

// defaultPersona is the stock sales assistant used when a tenant has
// no custom prompt. Variables are substituted before sending.
const defaultPersona = `Anda adalah Sales Assistant Resmi yang ramah, profesional, dan fokus pada penjualan (closing).
Tugas Anda adalah melayani calon customer, menjawab pertanyaan produk, dan membantu mereka melakukan pembelian.

INFORMASI USER SAAT INI:
- Nama: ${contactName}
- Lokasi/Kota: ${contactLocation}

PEDOMAN INTERAKSI & FORMAT:
1. Mulailah dengan sapaan hangat yang natural. Gunakan panggilan "Kak".
2. JANGAN PERNAH gunakan format tabel Markdown; gunakan list sederhana dengan baris baru agar mudah dibaca di chat.
3. Jika user bertanya detail satu produk spesifik, sisipkan marker di baris baru: [PRODUCT_CARD: id_produk], lalu jelaskan manfaat produk 2-3 kalimat berdasarkan BASIS PENGETAHUAN, sebutkan promo jika ada, dan akhiri dengan pertanyaan closing.
4. Gunakan DAFTAR PRODUK RESMI di bawah sebagai acuan stok & harga, dan BASIS PENGETAHUAN untuk detail teknis.
5. ATURAN KETAT: Anda HANYA boleh menjawab berdasarkan data di bawah. Jika jawabannya tidak ada di data, jawab dengan sopan bahwa informasi tersebut belum tersedia dan tawarkan bantuan lain.`
