package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/pkg/catalog"
)

// cardPattern matches the product-card markers the answer generator is
// prompted to emit on their own line.
var cardPattern = regexp.MustCompile(`\[PRODUCT_CARD:\s*([A-Za-z0-9_-]+)\s*\]`)

const (
	bubblePauseMin = 1 * time.Second
	bubblePauseMax = 2500 * time.Millisecond

	cardImageMaxDim  = 1024
	cardImageQuality = 75
)

// CardCatalog resolves a marker id to a product.
type CardCatalog interface {
	Get(ctx context.Context, id string) (*catalog.Product, error)
}

// RichGateway is the outbound surface the rich sender needs.
type RichGateway interface {
	SendText(ctx context.Context, session, chatID, text string) (*gateway.SendResult, error)
	SendImage(ctx context.Context, session, chatID string, image []byte, mimeType, caption string) (*gateway.SendResult, error)
	SendSeen(ctx context.Context, session, chatID string)
	StartTyping(ctx context.Context, session, chatID string)
	StopTyping(ctx context.Context, session, chatID string)
}

// RichSender wraps a gateway and expands product-card markers into
// interleaved text and image sends, preserving the original ordering.
// It satisfies the reply state machine's gateway contract, so wiring
// it in upgrades every AI reply transparently.
type RichSender struct {
	gw      RichGateway
	catalog CardCatalog
	client  *http.Client

	pause func() time.Duration // swapped out in tests
}

func NewRichSender(gw RichGateway, cat CardCatalog) *RichSender {
	return &RichSender{
		gw:      gw,
		catalog: cat,
		client:  &http.Client{Timeout: 30 * time.Second},
		pause:   bubblePause,
	}
}

// SendText splits the text on card markers and sends each part in
// order. Plain text without markers passes straight through. The last
// successful send's result is returned.
func (r *RichSender) SendText(ctx context.Context, session, chatID, text string) (*gateway.SendResult, error) {
	matches := cardPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return r.gw.SendText(ctx, session, chatID, text)
	}

	var last *gateway.SendResult
	sent := 0
	pos := 0
	for _, m := range matches {
		segment := strings.TrimSpace(text[pos:m[0]])
		if segment != "" {
			if sent > 0 {
				sleepCtx(ctx, r.pause())
			}
			res, err := r.gw.SendText(ctx, session, chatID, segment)
			if err != nil {
				return last, err
			}
			last = res
			sent++
		}

		productID := text[m[2]:m[3]]
		if sent > 0 {
			sleepCtx(ctx, r.pause())
		}
		res, err := r.sendCard(ctx, session, chatID, productID)
		if err != nil {
			return last, err
		}
		if res != nil {
			last = res
			sent++
		}
		pos = m[1]
	}

	if tail := strings.TrimSpace(text[pos:]); tail != "" {
		if sent > 0 {
			sleepCtx(ctx, r.pause())
		}
		res, err := r.gw.SendText(ctx, session, chatID, tail)
		if err != nil {
			return last, err
		}
		last = res
	}
	return last, nil
}

// sendCard resolves one marker to a catalog product and sends it as an
// image with a caption, or as plain text when the product has no image.
// Unresolvable markers are dropped, never surfaced to the conversation.
func (r *RichSender) sendCard(ctx context.Context, session, chatID, productID string) (*gateway.SendResult, error) {
	p, err := r.catalog.Get(ctx, productID)
	if err != nil {
		slog.Warn("product card unresolved, dropped", "product", productID, "error", err)
		return nil, nil
	}

	caption := cardCaption(p)
	if p.ImageURL == "" {
		return r.gw.SendText(ctx, session, chatID, caption)
	}

	img, err := r.fetchImage(ctx, p.ImageURL)
	if err != nil {
		slog.Warn("product image unavailable, sending text card", "product", productID, "error", err)
		return r.gw.SendText(ctx, session, chatID, caption)
	}
	compressed, err := shrinkJPEG(img, cardImageMaxDim, cardImageQuality)
	if err != nil {
		slog.Warn("product image not compressible, sending original", "product", productID, "error", err)
		compressed = img
	}
	return r.gw.SendImage(ctx, session, chatID, compressed, "image/jpeg", caption)
}

func (r *RichSender) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

// SendSeen and friends delegate untouched.
func (r *RichSender) SendSeen(ctx context.Context, session, chatID string) {
	r.gw.SendSeen(ctx, session, chatID)
}

func (r *RichSender) StartTyping(ctx context.Context, session, chatID string) {
	r.gw.StartTyping(ctx, session, chatID)
}

func (r *RichSender) StopTyping(ctx context.Context, session, chatID string) {
	r.gw.StopTyping(ctx, session, chatID)
}

func cardCaption(p *catalog.Product) string {
	var b strings.Builder
	b.WriteString("*" + p.Title + "*\n")
	b.WriteString("Harga: Rp " + formatRupiah(p.Price))
	if p.Discount != "" {
		b.WriteString("\nPromo: " + p.Discount)
	}
	return b.String()
}

// formatRupiah groups thousands with dots, local convention.
func formatRupiah(v int64) string {
	s := fmt.Sprintf("%d", v)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func bubblePause() time.Duration {
	return bubblePauseMin + time.Duration(rand.Int63n(int64(bubblePauseMax-bubblePauseMin)+1))
}
