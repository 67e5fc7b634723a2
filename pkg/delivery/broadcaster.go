// Package delivery paces and routes outbound sends: broadcast fan-out
// with per-campaign device rotation, plus the rich reply sender that
// interleaves text and product cards.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/pkg/campaign"
	"github.com/kirim-labs/kirim/pkg/queue"
	"github.com/kirim-labs/kirim/pkg/template"
)

// JobTypeBroadcast is the queue job type for per-recipient sends.
const JobTypeBroadcast = "broadcast-send"

const (
	broadcastTypingMin = 1500 * time.Millisecond
	broadcastTypingMax = 4 * time.Second
	typingPerChar      = 50 * time.Millisecond
)

// BroadcastGateway is the outbound surface the broadcaster needs.
type BroadcastGateway interface {
	SendText(ctx context.Context, session, chatID, text string) (*gateway.SendResult, error)
	SendSeen(ctx context.Context, session, chatID string)
	StartTyping(ctx context.Context, session, chatID string)
	StopTyping(ctx context.Context, session, chatID string)
}

// Enqueuer is the slice of the job queue the campaign launcher needs.
type Enqueuer interface {
	EnqueueBulk(ctx context.Context, jobType string, items []queue.BulkItem) error
}

// BroadcastJob is the payload of one per-recipient send.
type BroadcastJob struct {
	CampaignID string `json:"campaignId"`
	LogID      string `json:"logId"`
	OwnerID    string `json:"ownerId"`
	Phone      string `json:"phone"`
	Name       string `json:"name"`
}

// Recipient is one target of a campaign launch.
type Recipient struct {
	Phone string
	Name  string
}

// Broadcaster drains broadcast jobs and launches campaigns.
type Broadcaster struct {
	campaigns   *campaign.Store
	devices     *DeviceStore
	gateway     BroadcastGateway
	queue       Enqueuer
	rdb         *redis.Client
	maxAttempts int // mirrors the queue's retry policy

	typing func(textLen int) time.Duration // swapped out in tests
}

// NewBroadcaster wires the delivery side of campaigns. maxAttempts must
// match the job queue configuration so the final retry is detectable.
func NewBroadcaster(campaigns *campaign.Store, devices *DeviceStore, gw BroadcastGateway, q Enqueuer, rdb *redis.Client, maxAttempts int) *Broadcaster {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Broadcaster{
		campaigns:   campaigns,
		devices:     devices,
		gateway:     gw,
		queue:       q,
		rdb:         rdb,
		maxAttempts: maxAttempts,
		typing:      broadcastTyping,
	}
}

// Start launches a campaign: one log row and one delayed job per
// recipient, each spread randomly inside the campaign's delay window.
func (b *Broadcaster) Start(ctx context.Context, c *campaign.Campaign, recipients []Recipient) error {
	if c.Status != campaign.StatusDraft {
		return fmt.Errorf("campaign %s cannot start from status %s", c.ID, c.Status)
	}
	healthy, err := b.devices.ListHealthy(ctx, c.OwnerID)
	if err != nil {
		return err
	}
	if len(healthy) == 0 {
		return errors.New("no healthy devices available")
	}

	items := make([]queue.BulkItem, 0, len(recipients))
	for _, r := range recipients {
		log := &campaign.Log{CampaignID: c.ID, Phone: r.Phone, Name: r.Name}
		if err := b.campaigns.CreateLog(ctx, log); err != nil {
			return err
		}
		items = append(items, queue.BulkItem{
			Payload: BroadcastJob{
				CampaignID: c.ID,
				LogID:      log.ID,
				OwnerID:    c.OwnerID,
				Phone:      r.Phone,
				Name:       r.Name,
			},
			Delay: spreadDelay(c.DelayMinSec, c.DelayMaxSec),
		})
	}
	if err := b.queue.EnqueueBulk(ctx, JobTypeBroadcast, items); err != nil {
		return fmt.Errorf("enqueue campaign %s: %w", c.ID, err)
	}
	if err := b.campaigns.MarkStarted(ctx, c.ID, len(recipients)); err != nil {
		return err
	}
	slog.Info("campaign started", "campaign", c.ID, "recipients", len(recipients))
	return nil
}

// Resume puts a paused campaign back on the queue. Recipients whose
// jobs drained while paused kept their pending logs, so re-enqueueing
// those logs picks up exactly where the pause left off.
func (b *Broadcaster) Resume(ctx context.Context, c *campaign.Campaign) error {
	if c.Status != campaign.StatusPaused {
		return fmt.Errorf("campaign %s cannot resume from status %s", c.ID, c.Status)
	}
	pending, err := b.campaigns.ListPendingLogs(ctx, c.ID)
	if err != nil {
		return err
	}

	items := make([]queue.BulkItem, 0, len(pending))
	for _, l := range pending {
		items = append(items, queue.BulkItem{
			Payload: BroadcastJob{
				CampaignID: c.ID,
				LogID:      l.ID,
				OwnerID:    c.OwnerID,
				Phone:      l.Phone,
				Name:       l.Name,
			},
			Delay: spreadDelay(c.DelayMinSec, c.DelayMaxSec),
		})
	}
	if len(items) > 0 {
		if err := b.queue.EnqueueBulk(ctx, JobTypeBroadcast, items); err != nil {
			return fmt.Errorf("resume campaign %s: %w", c.ID, err)
		}
	}
	if err := b.campaigns.SetStatus(ctx, c.ID, campaign.StatusRunning); err != nil {
		return err
	}
	slog.Info("campaign resumed", "campaign", c.ID, "pending", len(items))
	return nil
}

// Handle is the queue handler for one broadcast send. The campaign
// status is re-checked at dequeue time: a paused campaign leaves the
// recipient log pending so a later resume can deliver it, any other
// non-running status writes the log off as failed.
func (b *Broadcaster) Handle(ctx context.Context, job *queue.Job) error {
	var bj BroadcastJob
	if err := json.Unmarshal(job.Payload, &bj); err != nil {
		return queue.Permanent(fmt.Errorf("decode broadcast payload: %w", err))
	}

	c, err := b.campaigns.Get(ctx, bj.CampaignID)
	if err != nil {
		return queue.Permanent(err)
	}
	switch c.Status {
	case campaign.StatusRunning:
	case campaign.StatusPaused:
		slog.Info("broadcast job skipped, campaign paused", "campaign", c.ID, "log", bj.LogID)
		return nil
	default:
		if err := b.campaigns.SetLogFailed(ctx, bj.LogID, "campaign is "+c.Status); err != nil {
			slog.Warn("mark skipped log failed", "log", bj.LogID, "error", err)
		}
		slog.Info("broadcast job skipped", "campaign", c.ID, "status", c.Status)
		return nil
	}

	// The queue redelivers after crashes and a resume can race a job
	// that was still scheduled, so a log already settled is done.
	if l, err := b.campaigns.GetLog(ctx, bj.LogID); err == nil {
		if l.Status == campaign.LogSent || l.Status == campaign.LogFailed {
			slog.Info("broadcast job already settled", "log", bj.LogID, "status", l.Status)
			return nil
		}
	}

	device, err := b.pickDevice(ctx, c)
	if err != nil {
		b.recordFailure(ctx, &bj, err.Error())
		return queue.Permanent(err)
	}

	message := template.Render(c.MessageTemplate, map[string]string{
		"name":  bj.Name,
		"phone": bj.Phone,
	})
	if err := b.campaigns.SetLogSending(ctx, bj.LogID, device.ID, message); err != nil {
		return err
	}

	chatID := bj.Phone + "@c.us"
	b.gateway.SendSeen(ctx, device.SessionName, chatID)
	b.gateway.StartTyping(ctx, device.SessionName, chatID)
	sleepCtx(ctx, b.typing(len(message)))
	b.gateway.StopTyping(ctx, device.SessionName, chatID)

	result, err := b.gateway.SendText(ctx, device.SessionName, chatID, message)
	if err != nil {
		if job.Attempt+1 >= b.maxAttempts {
			b.recordFailure(ctx, &bj, err.Error())
		}
		return fmt.Errorf("broadcast send to %s: %w", bj.Phone, err)
	}

	if err := b.campaigns.SetLogSent(ctx, bj.LogID, result.ID); err != nil {
		return err
	}
	if err := b.campaigns.IncrementSent(ctx, bj.CampaignID); err != nil {
		return err
	}
	return b.campaigns.MaybeComplete(ctx, bj.CampaignID)
}

// pickDevice rotates round-robin over the tenant's healthy devices.
// The rotation counter lives in Redis so every worker process shares
// one sequence per campaign.
func (b *Broadcaster) pickDevice(ctx context.Context, c *campaign.Campaign) (*Device, error) {
	devices, err := b.devices.ListHealthy(ctx, c.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no healthy devices available")
	}

	idx := rand.Intn(len(devices))
	if b.rdb != nil {
		n, err := b.rdb.Incr(ctx, "broadcast:rotation:"+c.ID).Result()
		if err != nil {
			slog.Warn("rotation counter unavailable, using random device", "campaign", c.ID, "error", err)
		} else {
			idx = int((n - 1) % int64(len(devices)))
		}
	}
	return &devices[idx], nil
}

func (b *Broadcaster) recordFailure(ctx context.Context, bj *BroadcastJob, reason string) {
	if err := b.campaigns.SetLogFailed(ctx, bj.LogID, reason); err != nil {
		slog.Warn("mark log failed", "log", bj.LogID, "error", err)
	}
	if err := b.campaigns.IncrementFailed(ctx, bj.CampaignID); err != nil {
		slog.Warn("increment failed count", "campaign", bj.CampaignID, "error", err)
	}
	if err := b.campaigns.MaybeComplete(ctx, bj.CampaignID); err != nil {
		slog.Warn("complete campaign", "campaign", bj.CampaignID, "error", err)
	}
}

// broadcastTyping is slower per character than the reply path, bounded
// to 1.5-4s.
func broadcastTyping(textLen int) time.Duration {
	d := time.Duration(textLen) * typingPerChar
	if d < broadcastTypingMin {
		return broadcastTypingMin
	}
	if d > broadcastTypingMax {
		return broadcastTypingMax
	}
	return d
}

func spreadDelay(minSec, maxSec int) time.Duration {
	if maxSec <= minSec {
		return time.Duration(minSec) * time.Second
	}
	return time.Duration(minSec+rand.Intn(maxSec-minSec+1)) * time.Second
}

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
