// Package reply owns the per-conversation state machine: identity
// gatekeeping, keyword rules, cooldowns, off-topic escalation and the
// delayed handoff to answer generation.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/pkg/answer"
	"github.com/kirim-labs/kirim/pkg/provider"
	"github.com/kirim-labs/kirim/pkg/template"
)

// JobTypeDelayedReply is the queue job type for deferred generation.
const JobTypeDelayedReply = "delayed-reply"

const (
	// ignoreDuration is the cooldown applied after repeated
	// ungrounded answers.
	ignoreDuration = 3 * time.Hour

	// escalateAfter is how many consecutive ungrounded answers
	// trigger the cooldown.
	escalateAfter = 2

	// floodEvery marks which assistant turns carry the queue apology.
	floodEvery = 10
)

const (
	gatePrompt = "Halo Kak! Sebelum kami bantu lebih lanjut, boleh info nama dan kota domisili Kakak dulu? Supaya kami bisa melayani dengan lebih tepat ya \U0001F60A"

	followUpText = "Baik Kak, untuk pertanyaan ini tim kami akan menghubungi Kakak kembali secepatnya ya. Terima kasih sudah menunggu \U0001F64F"

	floodSuffix = "\n\n(Mohon maaf jika respon kami sedikit melambat dikarenakan antrian chat yang sedang padat. Kami akan segera membantu Kakak sebaik mungkin!)"
)

// Generator produces answers and fallback identity extraction.
type Generator interface {
	Generate(ctx context.Context, in answer.Input) (*answer.Result, error)
	ExtractIdentity(ctx context.Context, text string) (answer.Identity, error)
}

// Gateway sends outbound content. Seen/typing are fire-and-forget.
type Gateway interface {
	SendText(ctx context.Context, session, chatID, text string) (*gateway.SendResult, error)
	SendSeen(ctx context.Context, session, chatID string)
	StartTyping(ctx context.Context, session, chatID string)
	StopTyping(ctx context.Context, session, chatID string)
}

// Enqueuer schedules delayed jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) (string, error)
}

// Config tunes reply pacing. Zero values take the production defaults.
type Config struct {
	MinReplyDelay time.Duration // lower bound of the human response lag
	MaxReplyDelay time.Duration // upper bound
	TypingMin     time.Duration // minimum simulated typing time
	TypingMax     time.Duration // maximum simulated typing time
}

func (c *Config) fill() {
	if c.MinReplyDelay <= 0 {
		c.MinReplyDelay = 3 * time.Minute
	}
	if c.MaxReplyDelay <= c.MinReplyDelay {
		c.MaxReplyDelay = c.MinReplyDelay + 4*time.Minute
	}
	if c.TypingMin <= 0 {
		c.TypingMin = 2 * time.Second
	}
	if c.TypingMax < c.TypingMin {
		c.TypingMax = 5 * time.Second
	}
}

// Replier is the conversation state machine.
type Replier struct {
	store   *Store
	gen     Generator
	gateway Gateway
	queue   Enqueuer
	cfg     Config
	locks   keyedMutex
}

// NewReplier wires the state machine. All collaborators are injected.
func NewReplier(store *Store, gen Generator, gw Gateway, queue Enqueuer, cfg Config) *Replier {
	cfg.fill()
	return &Replier{store: store, gen: gen, gateway: gw, queue: queue, cfg: cfg}
}

// Inbound is one gateway message after webhook decoding and dedup.
type Inbound struct {
	OwnerID  string `json:"ownerId"`
	Session  string `json:"session"`
	ChatID   string `json:"chatId"`
	Phone    string `json:"phone"`
	PushName string `json:"pushName"`
	Text     string `json:"text"`
}

// HandleInbound runs the synchronous half of the pipeline: gatekeeping,
// cooldown, rule matching, and scheduling of the delayed AI reply. It
// never calls the answer generator itself.
func (r *Replier) HandleInbound(ctx context.Context, in Inbound) error {
	unlock := r.locks.Lock(in.ChatID)
	defer unlock()

	contact, err := r.store.GetOrCreateContact(ctx, in.OwnerID, in.Phone)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if !contact.AIEnabled {
		slog.Info("automation disabled for contact, skipping", "chat", in.ChatID)
		return nil
	}

	// Gatekeeping: no stored location means the conversation has not
	// started yet. Capture identity or re-prompt; never generate.
	if contact.Location == "" {
		return r.handleGated(ctx, contact, in)
	}

	// Cooldown window: drop silently. The user turn is still logged
	// for the audit trail, but nothing goes out.
	if contact.IgnoreUntil != nil {
		if time.Now().Before(*contact.IgnoreUntil) {
			if err := r.store.AppendTurn(ctx, in.ChatID, "user", in.Text); err != nil {
				return err
			}
			slog.Info("conversation in cooldown, dropping message",
				"chat", in.ChatID, "until", contact.IgnoreUntil)
			return nil
		}
		if err := r.store.SetIgnoreUntil(ctx, contact.ID, nil, 0); err != nil {
			return err
		}
	}

	if err := r.store.AppendTurn(ctx, in.ChatID, "user", in.Text); err != nil {
		return err
	}

	rules, err := r.store.ListRules(ctx, in.OwnerID)
	if err != nil {
		return err
	}
	if rule := MatchRule(rules, in.Text); rule != nil {
		text := template.Render(rule.Response, map[string]string{
			"name":  displayName(contact, in),
			"phone": in.Phone,
		})
		if err := r.store.AppendTurn(ctx, in.ChatID, "assistant", text); err != nil {
			return err
		}
		return r.sendHumanized(ctx, in.Session, in.ChatID, text)
	}

	// No rule matched: schedule generation after a randomized human
	// response lag. The worker re-reads all state at execution time.
	delay := r.replyDelay()
	if _, err := r.queue.Enqueue(ctx, JobTypeDelayedReply, in, delay); err != nil {
		return fmt.Errorf("schedule delayed reply: %w", err)
	}
	slog.Info("reply scheduled", "chat", in.ChatID, "delay", delay.Round(time.Second))
	return nil
}

// handleGated tries to capture name+city, first with regex and the
// gazetteer, then with the AI extractor. Failure sends the fixed
// re-prompt and keeps the conversation gated.
func (r *Replier) handleGated(ctx context.Context, contact *Contact, in Inbound) error {
	if err := r.store.AppendTurn(ctx, in.ChatID, "user", in.Text); err != nil {
		return err
	}

	name, loc := ExtractIdentity(in.Text)
	if loc == nil {
		id, err := r.gen.ExtractIdentity(ctx, in.Text)
		if err != nil {
			slog.Warn("ai identity extraction unavailable", "chat", in.ChatID, "error", err)
		} else {
			if name == "" {
				name = id.Name
			}
			if id.City != "" {
				loc = DetectLocation(id.City)
				if loc == nil {
					// The model found a city the gazetteer does not
					// know; trust it.
					loc = &Location{Name: id.City, MatchedPart: id.City}
				}
			}
		}
	}

	if loc == nil {
		if err := r.store.AppendTurn(ctx, in.ChatID, "assistant", gatePrompt); err != nil {
			return err
		}
		return r.sendHumanized(ctx, in.Session, in.ChatID, gatePrompt)
	}

	if name == "" {
		name = in.PushName
	}
	if err := r.store.SaveIdentity(ctx, contact.ID, name, loc.Name, loc.JSON()); err != nil {
		return err
	}
	slog.Info("identity captured", "chat", in.ChatID, "location", loc.Name)

	// Identity captured: this message still deserves an answer, so
	// fall through to scheduling.
	contact.Name = name
	contact.Location = loc.Name
	delay := r.replyDelay()
	if _, err := r.queue.Enqueue(ctx, JobTypeDelayedReply, in, delay); err != nil {
		return fmt.Errorf("schedule delayed reply: %w", err)
	}
	return nil
}

// HandleDelayedReply is the queue handler draining delayed-reply jobs.
// It re-checks conversation state, generates, applies escalation and
// the flood damper, persists, then sends.
func (r *Replier) HandleDelayedReply(ctx context.Context, payload json.RawMessage) error {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode delayed reply payload: %w", err)
	}

	unlock := r.locks.Lock(in.ChatID)
	defer unlock()

	contact, err := r.store.GetOrCreateContact(ctx, in.OwnerID, in.Phone)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if !contact.AIEnabled {
		return nil
	}
	if contact.IgnoreUntil != nil && time.Now().Before(*contact.IgnoreUntil) {
		return nil
	}

	history, err := r.store.History(ctx, in.ChatID, 10)
	if err != nil {
		return err
	}
	messages := make([]provider.Message, 0, len(history))
	for _, t := range history {
		role := "user"
		if t.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, provider.Message{Role: role, Content: t.Text})
	}

	res, err := r.gen.Generate(ctx, answer.Input{
		OwnerID:         in.OwnerID,
		ContactName:     displayName(contact, in),
		ContactLocation: contact.Location,
		Prompt:          in.Text,
		History:         messages,
	})
	if err != nil {
		if errors.Is(err, provider.ErrNoProvider) {
			// Temporarily unavailable: suppress rather than surface.
			slog.Warn("no provider available, reply suppressed", "chat", in.ChatID)
			return nil
		}
		return fmt.Errorf("generate reply: %w", err)
	}

	text := res.Text
	escalated := false
	if !res.Grounded {
		count := contact.ConsecutiveUnknown + 1
		if count >= escalateAfter {
			until := time.Now().Add(ignoreDuration)
			if err := r.store.SetIgnoreUntil(ctx, contact.ID, &until, 0); err != nil {
				return err
			}
			text = followUpText
			escalated = true
			slog.Info("conversation escalated to cooldown", "chat", in.ChatID, "until", until)
		} else if err := r.store.SetUnknownCount(ctx, contact.ID, count); err != nil {
			return err
		}
	} else if contact.ConsecutiveUnknown != 0 {
		if err := r.store.SetUnknownCount(ctx, contact.ID, 0); err != nil {
			return err
		}
	}

	if !escalated {
		assistantCount, err := r.store.AssistantTurnCount(ctx, in.ChatID)
		if err != nil {
			return err
		}
		if assistantCount > 0 && (assistantCount+1)%floodEvery == 0 {
			text += floodSuffix
		}
	}

	text = template.Render(text, map[string]string{
		"name":  displayName(contact, in),
		"phone": in.Phone,
	})

	// Persist before sending: a crash after this point duplicates at
	// worst, it never loses state.
	if err := r.store.AppendTurn(ctx, in.ChatID, "assistant", text); err != nil {
		return err
	}
	return r.sendHumanized(ctx, in.Session, in.ChatID, text)
}

// sendHumanized runs the seen/typing/send choreography.
func (r *Replier) sendHumanized(ctx context.Context, session, chatID, text string) error {
	r.gateway.SendSeen(ctx, session, chatID)
	r.gateway.StartTyping(ctx, session, chatID)
	sleepCtx(ctx, r.typingDuration(len(text)))
	r.gateway.StopTyping(ctx, session, chatID)

	if _, err := r.gateway.SendText(ctx, session, chatID, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// typingDuration is proportional to message length, clamped to the
// configured window.
func (r *Replier) typingDuration(textLen int) time.Duration {
	d := time.Duration(textLen) * 20 * time.Millisecond
	if d < r.cfg.TypingMin {
		return r.cfg.TypingMin
	}
	if d > r.cfg.TypingMax {
		return r.cfg.TypingMax
	}
	return d
}

func (r *Replier) replyDelay() time.Duration {
	window := r.cfg.MaxReplyDelay - r.cfg.MinReplyDelay
	return r.cfg.MinReplyDelay + time.Duration(rand.Int63n(int64(window)+1))
}

func displayName(contact *Contact, in Inbound) string {
	if contact.Name != "" {
		return contact.Name
	}
	if in.PushName != "" {
		return in.PushName
	}
	return "Kak"
}

// sleepCtx pauses without holding past cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
