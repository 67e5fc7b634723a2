package reply

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/pkg/answer"
	"github.com/kirim-labs/kirim/pkg/provider"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

type fakeGen struct {
	result   *answer.Result
	genErr   error
	identity answer.Identity
	idErr    error
}

func (f *fakeGen) Generate(ctx context.Context, in answer.Input) (*answer.Result, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	return f.result, nil
}

func (f *fakeGen) ExtractIdentity(ctx context.Context, text string) (answer.Identity, error) {
	return f.identity, f.idErr
}

type fakeGateway struct {
	sent []string
}

func (f *fakeGateway) SendText(ctx context.Context, session, chatID, text string) (*gateway.SendResult, error) {
	f.sent = append(f.sent, text)
	return &gateway.SendResult{ID: "msg-1"}, nil
}
func (f *fakeGateway) SendSeen(ctx context.Context, session, chatID string)    {}
func (f *fakeGateway) StartTyping(ctx context.Context, session, chatID string) {}
func (f *fakeGateway) StopTyping(ctx context.Context, session, chatID string)  {}

type fakeQueue struct {
	jobs []Inbound
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) (string, error) {
	f.jobs = append(f.jobs, payload.(Inbound))
	return "job-1", nil
}

func fastConfig() Config {
	return Config{
		MinReplyDelay: time.Millisecond,
		MaxReplyDelay: 2 * time.Millisecond,
		TypingMin:     time.Nanosecond,
		TypingMax:     time.Nanosecond,
	}
}

func testReplier(t *testing.T, gen *fakeGen) (*Replier, *Store, *fakeGateway, *fakeQueue) {
	t.Helper()
	store := testStore(t)
	gw := &fakeGateway{}
	q := &fakeQueue{}
	return NewReplier(store, gen, gw, q, fastConfig()), store, gw, q
}

func activeContact(t *testing.T, store *Store, owner, phone string) *Contact {
	t.Helper()
	ctx := context.Background()
	c, err := store.GetOrCreateContact(ctx, owner, phone)
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	if err := store.SaveIdentity(ctx, c.ID, "Budi", "SURAKARTA", ""); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	c.Name = "Budi"
	c.Location = "SURAKARTA"
	return c
}

func inbound(phone string) Inbound {
	return Inbound{
		OwnerID: "owner-1", Session: "session-1",
		ChatID: phone + "@c.us", Phone: phone, PushName: "Budi",
		Text: "apakah produk ini halal?",
	}
}

func delayedPayload(t *testing.T, in Inbound) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestEscalationScenario(t *testing.T) {
	gen := &fakeGen{result: &answer.Result{Text: "Maaf, saya tidak menemukan jawabannya.", Grounded: false}}
	r, store, gw, _ := testReplier(t, gen)
	ctx := context.Background()

	c := activeContact(t, store, "owner-1", "628111")
	if err := store.SetUnknownCount(ctx, c.ID, 1); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	if err := r.HandleDelayedReply(ctx, delayedPayload(t, inbound("628111"))); err != nil {
		t.Fatalf("HandleDelayedReply: %v", err)
	}

	if len(gw.sent) != 1 || gw.sent[0] != followUpText {
		t.Fatalf("sent %v, want the fixed follow-up text", gw.sent)
	}

	after, err := store.GetOrCreateContact(ctx, "owner-1", "628111")
	if err != nil {
		t.Fatalf("reload contact: %v", err)
	}
	if after.ConsecutiveUnknown != 0 {
		t.Errorf("counter = %d after escalation, want 0", after.ConsecutiveUnknown)
	}
	if after.IgnoreUntil == nil {
		t.Fatal("ignoreUntil not set")
	}
	remaining := time.Until(*after.IgnoreUntil)
	if remaining < 2*time.Hour+50*time.Minute || remaining > 3*time.Hour+time.Minute {
		t.Errorf("ignoreUntil %v ahead, want ~3h", remaining.Round(time.Minute))
	}
}

func TestFirstUngroundedOnlyCounts(t *testing.T) {
	gen := &fakeGen{result: &answer.Result{Text: "Maaf, belum ada infonya.", Grounded: false}}
	r, store, gw, _ := testReplier(t, gen)
	ctx := context.Background()

	activeContact(t, store, "owner-1", "628111")

	if err := r.HandleDelayedReply(ctx, delayedPayload(t, inbound("628111"))); err != nil {
		t.Fatalf("HandleDelayedReply: %v", err)
	}

	// First ungrounded answer goes out as-is, just counted.
	if len(gw.sent) != 1 || gw.sent[0] != gen.result.Text {
		t.Fatalf("sent %v, want the generated text", gw.sent)
	}
	after, _ := store.GetOrCreateContact(ctx, "owner-1", "628111")
	if after.ConsecutiveUnknown != 1 {
		t.Errorf("counter = %d, want 1", after.ConsecutiveUnknown)
	}
	if after.IgnoreUntil != nil {
		t.Error("cooldown set after a single ungrounded answer")
	}
}

func TestGroundedAnswerResetsCounter(t *testing.T) {
	gen := &fakeGen{result: &answer.Result{Text: "Produk ini sudah bersertifikat.", Grounded: true}}
	r, store, _, _ := testReplier(t, gen)
	ctx := context.Background()

	c := activeContact(t, store, "owner-1", "628111")
	store.SetUnknownCount(ctx, c.ID, 1)

	if err := r.HandleDelayedReply(ctx, delayedPayload(t, inbound("628111"))); err != nil {
		t.Fatalf("HandleDelayedReply: %v", err)
	}
	after, _ := store.GetOrCreateContact(ctx, "owner-1", "628111")
	if after.ConsecutiveUnknown != 0 {
		t.Errorf("counter = %d after grounded answer, want 0", after.ConsecutiveUnknown)
	}
}

func TestIgnoreWindowSuppression(t *testing.T) {
	gen := &fakeGen{result: &answer.Result{Text: "should never be sent", Grounded: true}}
	r, store, gw, q := testReplier(t, gen)
	ctx := context.Background()

	c := activeContact(t, store, "owner-1", "628111")
	until := time.Now().Add(time.Hour)
	if err := store.SetIgnoreUntil(ctx, c.ID, &until, 0); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	if err := r.HandleInbound(ctx, inbound("628111")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if len(gw.sent) != 0 {
		t.Errorf("outbound sends during cooldown: %v", gw.sent)
	}
	if len(q.jobs) != 0 {
		t.Errorf("jobs scheduled during cooldown: %d", len(q.jobs))
	}
	if n, _ := store.AssistantTurnCount(ctx, "628111@c.us"); n != 0 {
		t.Errorf("%d assistant turns created during cooldown, want 0", n)
	}
}

func TestExpiredCooldownClears(t *testing.T) {
	gen := &fakeGen{}
	r, store, _, q := testReplier(t, gen)
	ctx := context.Background()

	c := activeContact(t, store, "owner-1", "628111")
	past := time.Now().Add(-time.Minute)
	store.SetIgnoreUntil(ctx, c.ID, &past, 0)

	if err := r.HandleInbound(ctx, inbound("628111")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expired cooldown should let the message through, jobs = %d", len(q.jobs))
	}
	after, _ := store.GetOrCreateContact(ctx, "owner-1", "628111")
	if after.IgnoreUntil != nil {
		t.Error("expired cooldown not cleared")
	}
}

func TestRuleMatchSendsImmediately(t *testing.T) {
	gen := &fakeGen{}
	r, store, gw, q := testReplier(t, gen)
	ctx := context.Background()

	activeContact(t, store, "owner-1", "628111")
	if err := store.CreateRule(ctx, &Rule{
		OwnerID: "owner-1", Keyword: "harga", MatchType: "CONTAINS",
		Response: "Halo [name], harga lengkap ada di katalog kami ya!",
		Priority: 5, IsActive: true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	in := inbound("628111")
	in.Text = "berapa harga paketnya?"
	if err := r.HandleInbound(ctx, in); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if len(q.jobs) != 0 {
		t.Errorf("rule match must not queue a delayed reply")
	}
	if len(gw.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(gw.sent))
	}
	if !strings.Contains(gw.sent[0], "Budi") {
		t.Errorf("[name] not substituted: %q", gw.sent[0])
	}
}

func TestRuleMalformedTemplateSentRaw(t *testing.T) {
	gen := &fakeGen{}
	r, store, gw, _ := testReplier(t, gen)
	ctx := context.Background()

	activeContact(t, store, "owner-1", "628111")
	resp := "{Halo|{Hai|Hei}} kak, katalog menyusul ya"
	if err := store.CreateRule(ctx, &Rule{
		OwnerID: "owner-1", Keyword: "katalog", MatchType: "CONTAINS",
		Response: resp,
		Priority: 5, IsActive: true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	in := inbound("628111")
	in.Text = "minta katalog dong"
	if err := r.HandleInbound(ctx, in); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if len(gw.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(gw.sent))
	}
	// A nested spin group must not be half-expanded on the way out.
	if gw.sent[0] != resp {
		t.Errorf("sent %q, want the raw response %q", gw.sent[0], resp)
	}
}

func TestNoRuleSchedulesDelayedReply(t *testing.T) {
	gen := &fakeGen{}
	r, store, gw, q := testReplier(t, gen)
	ctx := context.Background()

	activeContact(t, store, "owner-1", "628111")
	if err := r.HandleInbound(ctx, inbound("628111")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(gw.sent) != 0 {
		t.Errorf("inbound handler sent directly: %v", gw.sent)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(q.jobs))
	}
}

func TestGatekeepingReprompts(t *testing.T) {
	gen := &fakeGen{idErr: provider.ErrNoProvider}
	r, _, gw, q := testReplier(t, gen)
	ctx := context.Background()

	in := inbound("628222")
	in.Text = "mau tanya produk dong"
	if err := r.HandleInbound(ctx, in); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if len(gw.sent) != 1 || gw.sent[0] != gatePrompt {
		t.Fatalf("sent %v, want the gate prompt", gw.sent)
	}
	if len(q.jobs) != 0 {
		t.Errorf("gated conversation scheduled a reply")
	}
}

func TestGatekeepingCapturesIdentity(t *testing.T) {
	gen := &fakeGen{}
	r, store, gw, q := testReplier(t, gen)
	ctx := context.Background()

	in := inbound("628222")
	in.Text = "halo, nama saya Sari dari jogja"
	if err := r.HandleInbound(ctx, in); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	c, err := store.GetOrCreateContact(ctx, "owner-1", "628222")
	if err != nil {
		t.Fatalf("reload contact: %v", err)
	}
	if c.Name != "Sari" {
		t.Errorf("Name = %q, want Sari", c.Name)
	}
	if c.Location != "YOGYAKARTA" {
		t.Errorf("Location = %q, want YOGYAKARTA", c.Location)
	}
	if len(gw.sent) != 0 {
		t.Errorf("capture turn should not send directly: %v", gw.sent)
	}
	if len(q.jobs) != 1 {
		t.Errorf("captured message should still get an answer, jobs = %d", len(q.jobs))
	}
}

func TestGatekeepingAIFallback(t *testing.T) {
	gen := &fakeGen{identity: answer.Identity{Name: "Rina", City: "Makassar"}}
	r, store, _, q := testReplier(t, gen)
	ctx := context.Background()

	in := inbound("628333")
	in.Text = "aku mau pesan yg kemarin itu"
	if err := r.HandleInbound(ctx, in); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	c, _ := store.GetOrCreateContact(ctx, "owner-1", "628333")
	if c.Location != "MAKASSAR" {
		t.Errorf("Location = %q, want MAKASSAR", c.Location)
	}
	if len(q.jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(q.jobs))
	}
}

func TestFloodSuffixEveryTenth(t *testing.T) {
	gen := &fakeGen{result: &answer.Result{Text: "Jawaban biasa.", Grounded: true}}
	r, store, gw, _ := testReplier(t, gen)
	ctx := context.Background()

	activeContact(t, store, "owner-1", "628111")
	for i := 0; i < 9; i++ {
		store.AppendTurn(ctx, "628111@c.us", "assistant", "balasan lama")
	}

	if err := r.HandleDelayedReply(ctx, delayedPayload(t, inbound("628111"))); err != nil {
		t.Fatalf("HandleDelayedReply: %v", err)
	}
	if len(gw.sent) != 1 || !strings.Contains(gw.sent[0], "antrian chat") {
		t.Errorf("10th assistant turn missing flood apology: %v", gw.sent)
	}
}

func TestNoProviderSuppressesReply(t *testing.T) {
	gen := &fakeGen{genErr: provider.ErrNoProvider}
	r, store, gw, _ := testReplier(t, gen)
	ctx := context.Background()

	activeContact(t, store, "owner-1", "628111")
	if err := r.HandleDelayedReply(ctx, delayedPayload(t, inbound("628111"))); err != nil {
		t.Fatalf("no-provider should not error the job: %v", err)
	}
	if len(gw.sent) != 0 {
		t.Errorf("reply sent despite no provider: %v", gw.sent)
	}
}

func TestAIDisabledSkips(t *testing.T) {
	gen := &fakeGen{}
	r, store, gw, q := testReplier(t, gen)
	ctx := context.Background()

	c := activeContact(t, store, "owner-1", "628111")
	store.SetAIEnabled(ctx, c.ID, false)

	if err := r.HandleInbound(ctx, inbound("628111")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(gw.sent) != 0 || len(q.jobs) != 0 {
		t.Error("disabled contact still processed")
	}
}
