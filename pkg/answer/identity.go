package answer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kirim-labs/kirim/pkg/provider"
)

// extractTimeout bounds one identity extraction call. Extraction is a
// gatekeeping convenience; a slow provider must not stall the inbound
// pipeline.
const extractTimeout = 10 * time.Second

// Identity is what the extractor could determine from a message.
// Empty fields mean "not found".
type Identity struct {
	Name string `json:"name"`
	City string `json:"city"`
}

const extractSystemPrompt = `You are a data extraction assistant. Extract the person's name and city from Indonesian text.
Return ONLY valid JSON in this exact format:
{"name": "extracted name or null", "city": "extracted city or null"}

Rules:
- If no name is found, use null
- If no city is found, use null
- City should be the actual city name (e.g., "Jakarta", "Surabaya", "Solo")
- Do not include greetings or extra text
- Return ONLY the JSON object`

// ExtractIdentity asks a model for {name, city} from free text. It is
// the fallback when regex and gazetteer matching both miss. Unparseable
// model output yields an empty Identity, not an error; the conversation
// simply stays gated.
func (g *Generator) ExtractIdentity(ctx context.Context, text string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	profiles, err := g.router.Eligible(ctx)
	if err != nil {
		return Identity{}, err
	}
	if len(profiles) == 0 {
		return Identity{}, provider.ErrNoProvider
	}

	req := provider.Request{
		System: extractSystemPrompt,
		Messages: []provider.Message{
			{Role: "user", Content: `Extract from: "` + text + `"`},
		},
		MaxTokens:   100,
		Temperature: 0.1,
	}

	var out string
	for _, p := range profiles {
		out, err = g.router.Complete(ctx, p, req)
		if err == nil {
			break
		}
		slog.Warn("identity extraction provider failed", "provider", p.Name, "error", err)
	}
	if err != nil {
		return Identity{}, err
	}

	return parseIdentity(out), nil
}

// parseIdentity handles the common model quirks: markdown fences
// around the JSON and literal "null" strings for absent fields.
func parseIdentity(out string) Identity {
	out = strings.ReplaceAll(out, "```json", "")
	out = strings.ReplaceAll(out, "```", "")
	out = strings.TrimSpace(out)

	var raw struct {
		Name *string `json:"name"`
		City *string `json:"city"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		slog.Warn("identity extraction returned unparseable output", "output", out)
		return Identity{}
	}

	var id Identity
	if raw.Name != nil && !strings.EqualFold(*raw.Name, "null") {
		id.Name = strings.TrimSpace(*raw.Name)
	}
	if raw.City != nil && !strings.EqualFold(*raw.City, "null") {
		id.City = strings.TrimSpace(*raw.City)
	}
	return id
}
