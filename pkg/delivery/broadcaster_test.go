package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/pkg/campaign"
	"github.com/kirim-labs/kirim/pkg/queue"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type sendCall struct {
	session string
	chatID  string
	text    string
}

type stubGateway struct {
	calls   []sendCall
	sendErr error
}

func (g *stubGateway) SendText(ctx context.Context, session, chatID, text string) (*gateway.SendResult, error) {
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.calls = append(g.calls, sendCall{session, chatID, text})
	return &gateway.SendResult{ID: "wamid-1"}, nil
}

func (g *stubGateway) SendImage(ctx context.Context, session, chatID string, image []byte, mimeType, caption string) (*gateway.SendResult, error) {
	g.calls = append(g.calls, sendCall{session, chatID, "image:" + caption})
	return &gateway.SendResult{ID: "wamid-img"}, nil
}

func (g *stubGateway) SendSeen(ctx context.Context, session, chatID string)    {}
func (g *stubGateway) StartTyping(ctx context.Context, session, chatID string) {}
func (g *stubGateway) StopTyping(ctx context.Context, session, chatID string)  {}

type stubEnqueuer struct {
	items []queue.BulkItem
}

func (e *stubEnqueuer) EnqueueBulk(ctx context.Context, jobType string, items []queue.BulkItem) error {
	e.items = append(e.items, items...)
	return nil
}

type fixture struct {
	b         *Broadcaster
	campaigns *campaign.Store
	devices   *DeviceStore
	gw        *stubGateway
	enq       *stubEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testDB(t)

	campaigns := campaign.NewStore(db)
	if err := campaigns.Init(ctx); err != nil {
		t.Fatalf("init campaigns: %v", err)
	}
	devices := NewDeviceStore(db)
	if err := devices.Init(ctx); err != nil {
		t.Fatalf("init devices: %v", err)
	}

	gw := &stubGateway{}
	enq := &stubEnqueuer{}
	b := NewBroadcaster(campaigns, devices, gw, enq, nil, 3)
	b.typing = func(int) time.Duration { return 0 }
	return &fixture{b: b, campaigns: campaigns, devices: devices, gw: gw, enq: enq}
}

func (f *fixture) seedCampaign(t *testing.T, status string) *campaign.Campaign {
	t.Helper()
	c := &campaign.Campaign{
		OwnerID:         "owner-1",
		Name:            "promo agustus",
		MessageTemplate: "{Halo|Hai} [name], promo spesial untukmu!",
		DelayMinSec:     1,
		DelayMaxSec:     2,
	}
	if err := f.campaigns.Create(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if status != campaign.StatusDraft {
		if err := f.campaigns.MarkStarted(context.Background(), c.ID, 1); err != nil {
			t.Fatalf("mark started: %v", err)
		}
		if status != campaign.StatusRunning {
			if err := f.campaigns.SetStatus(context.Background(), c.ID, status); err != nil {
				t.Fatalf("set status: %v", err)
			}
		}
		c.Status = status
	}
	return c
}

func (f *fixture) seedDevice(t *testing.T, session, status string) {
	t.Helper()
	if err := f.devices.Create(context.Background(), &Device{
		OwnerID: "owner-1", SessionName: session, Status: status,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
}

func (f *fixture) seedLog(t *testing.T, campaignID string) *campaign.Log {
	t.Helper()
	l := &campaign.Log{CampaignID: campaignID, Phone: "628555", Name: "Budi"}
	if err := f.campaigns.CreateLog(context.Background(), l); err != nil {
		t.Fatalf("create log: %v", err)
	}
	return l
}

func broadcastQueueJob(t *testing.T, bj BroadcastJob, attempt int) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(bj)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return &queue.Job{ID: "job-1", Type: JobTypeBroadcast, Payload: raw, Attempt: attempt}
}

func TestStartCreatesLogsAndJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusDraft)

	recipients := []Recipient{{Phone: "628001", Name: "Ani"}, {Phone: "628002", Name: "Bima"}}
	if err := f.b.Start(ctx, c, recipients); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(f.enq.items) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(f.enq.items))
	}
	for _, item := range f.enq.items {
		bj := item.Payload.(BroadcastJob)
		if bj.CampaignID != c.ID || bj.LogID == "" {
			t.Errorf("malformed job payload: %+v", bj)
		}
		if item.Delay < time.Second || item.Delay > 2*time.Second {
			t.Errorf("delay %v outside campaign window", item.Delay)
		}
	}

	after, err := f.campaigns.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if after.Status != campaign.StatusRunning || after.TotalRecipients != 2 {
		t.Errorf("campaign = %s/%d recipients, want RUNNING/2", after.Status, after.TotalRecipients)
	}
}

func TestStartRequiresHealthyDevice(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "session-a", DeviceScanQR)
	c := f.seedCampaign(t, campaign.StatusDraft)

	err := f.b.Start(context.Background(), c, []Recipient{{Phone: "628001"}})
	if err == nil {
		t.Fatal("Start succeeded with no healthy device")
	}
	if len(f.enq.items) != 0 {
		t.Errorf("jobs enqueued despite failed start")
	}
}

func TestHandleSendsAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusRunning)
	l := f.seedLog(t, c.ID)

	job := broadcastQueueJob(t, BroadcastJob{
		CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555", Name: "Budi",
	}, 0)
	if err := f.b.Handle(ctx, job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(f.gw.calls) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.gw.calls))
	}
	call := f.gw.calls[0]
	if call.session != "session-a" || call.chatID != "628555@c.us" {
		t.Errorf("sent via %s to %s", call.session, call.chatID)
	}
	if !containsAny(call.text, "Halo Budi", "Hai Budi") {
		t.Errorf("template not rendered: %q", call.text)
	}

	log, _ := f.campaigns.GetLog(ctx, l.ID)
	if log.Status != campaign.LogSent || log.GatewayMessageID != "wamid-1" {
		t.Errorf("log = %s/%s, want SENT/wamid-1", log.Status, log.GatewayMessageID)
	}
	after, _ := f.campaigns.Get(ctx, c.ID)
	if after.SentCount != 1 {
		t.Errorf("sent_count = %d, want 1", after.SentCount)
	}
	if after.Status != campaign.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED after last recipient", after.Status)
	}
}

func TestHandleSkipsPausedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusPaused)
	l := f.seedLog(t, c.ID)

	job := broadcastQueueJob(t, BroadcastJob{
		CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555",
	}, 0)
	if err := f.b.Handle(ctx, job); err != nil {
		t.Fatalf("paused campaign must be a no-op, got %v", err)
	}
	if len(f.gw.calls) != 0 {
		t.Errorf("message sent for paused campaign")
	}

	// A pause is not a failure: the log stays pending so a resume can
	// still deliver this recipient.
	log, _ := f.campaigns.GetLog(ctx, l.ID)
	if log.Status != campaign.LogPending {
		t.Errorf("log = %s, want PENDING", log.Status)
	}
}

func TestHandleCancelledCampaignFailsLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusCancelled)
	l := f.seedLog(t, c.ID)

	job := broadcastQueueJob(t, BroadcastJob{
		CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555",
	}, 0)
	if err := f.b.Handle(ctx, job); err != nil {
		t.Fatalf("cancelled campaign must be a no-op, got %v", err)
	}
	if len(f.gw.calls) != 0 {
		t.Errorf("message sent for cancelled campaign")
	}
	log, _ := f.campaigns.GetLog(ctx, l.ID)
	if log.Status != campaign.LogFailed {
		t.Errorf("log = %s, want FAILED", log.Status)
	}
}

func TestResumeReEnqueuesPendingLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusPaused)

	// One recipient already went out before the pause, one is still
	// pending after its job drained as a no-op.
	sent := f.seedLog(t, c.ID)
	if err := f.campaigns.SetLogSent(ctx, sent.ID, "wamid-0"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	pending := f.seedLog(t, c.ID)

	if err := f.b.Resume(ctx, c); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if len(f.enq.items) != 1 {
		t.Fatalf("enqueued %d jobs, want only the pending recipient", len(f.enq.items))
	}
	bj := f.enq.items[0].Payload.(BroadcastJob)
	if bj.LogID != pending.ID {
		t.Errorf("re-enqueued log %s, want %s", bj.LogID, pending.ID)
	}
	after, _ := f.campaigns.Get(ctx, c.ID)
	if after.Status != campaign.StatusRunning {
		t.Errorf("status = %s, want RUNNING", after.Status)
	}
}

func TestResumeRequiresPausedCampaign(t *testing.T) {
	f := newFixture(t)
	c := f.seedCampaign(t, campaign.StatusRunning)
	if err := f.b.Resume(context.Background(), c); err == nil {
		t.Fatal("Resume succeeded on a running campaign")
	}
}

func TestHandleSkipsSettledLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusRunning)
	l := f.seedLog(t, c.ID)
	if err := f.campaigns.SetLogSent(ctx, l.ID, "wamid-0"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	job := broadcastQueueJob(t, BroadcastJob{
		CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555",
	}, 0)
	if err := f.b.Handle(ctx, job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.gw.calls) != 0 {
		t.Errorf("recipient messaged twice")
	}
}

func TestHandleMalformedTemplateSentRaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	tmpl := "{Halo|{Hai|Hei}} kak"
	c := &campaign.Campaign{
		OwnerID:         "owner-1",
		Name:            "promo nested",
		MessageTemplate: tmpl,
		DelayMinSec:     1,
		DelayMaxSec:     2,
	}
	if err := f.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := f.campaigns.MarkStarted(ctx, c.ID, 1); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	l := f.seedLog(t, c.ID)

	job := broadcastQueueJob(t, BroadcastJob{
		CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555", Name: "Budi",
	}, 0)
	if err := f.b.Handle(ctx, job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(f.gw.calls) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.gw.calls))
	}
	// A nested group must not be half-expanded; the raw template goes out.
	if f.gw.calls[0].text != tmpl {
		t.Errorf("sent %q, want the raw template %q", f.gw.calls[0].text, tmpl)
	}
}

func TestHandleNoDevicesFailsPermanently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.seedCampaign(t, campaign.StatusRunning)
	l := f.seedLog(t, c.ID)

	job := broadcastQueueJob(t, BroadcastJob{
		CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555",
	}, 0)
	err := f.b.Handle(ctx, job)
	if !queue.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}

	log, _ := f.campaigns.GetLog(ctx, l.ID)
	if log.Status != campaign.LogFailed {
		t.Errorf("log = %s, want FAILED", log.Status)
	}
	after, _ := f.campaigns.Get(ctx, c.ID)
	if after.FailedCount != 1 {
		t.Errorf("failed_count = %d, want 1", after.FailedCount)
	}
}

func TestHandleTransientErrorLeavesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDevice(t, "session-a", DeviceWorking)
	c := f.seedCampaign(t, campaign.StatusRunning)
	l := f.seedLog(t, c.ID)
	f.gw.sendErr = errors.New("gateway down")

	bj := BroadcastJob{CampaignID: c.ID, LogID: l.ID, OwnerID: "owner-1", Phone: "628555"}

	// First attempt: retryable, campaign untouched.
	err := f.b.Handle(ctx, broadcastQueueJob(t, bj, 0))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want transient error", err)
	}
	after, _ := f.campaigns.Get(ctx, c.ID)
	if after.FailedCount != 0 {
		t.Fatalf("failed_count = %d after first attempt, want 0", after.FailedCount)
	}

	// Final attempt: the failure is recorded before the queue drops it.
	if err := f.b.Handle(ctx, broadcastQueueJob(t, bj, 2)); err == nil {
		t.Fatal("final attempt should still error")
	}
	after, _ = f.campaigns.Get(ctx, c.ID)
	if after.FailedCount != 1 {
		t.Errorf("failed_count = %d after final attempt, want 1", after.FailedCount)
	}
	log, _ := f.campaigns.GetLog(ctx, l.ID)
	if log.Status != campaign.LogFailed {
		t.Errorf("log = %s, want FAILED", log.Status)
	}
}

func TestBroadcastTypingBounds(t *testing.T) {
	if got := broadcastTyping(1); got != broadcastTypingMin {
		t.Errorf("short message typing = %v, want %v", got, broadcastTypingMin)
	}
	if got := broadcastTyping(10_000); got != broadcastTypingMax {
		t.Errorf("long message typing = %v, want %v", got, broadcastTypingMax)
	}
	if got := broadcastTyping(50); got != 2500*time.Millisecond {
		t.Errorf("typing(50) = %v, want 2.5s", got)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
