// Package webhook receives gateway callbacks: inbound messages and
// session status changes. Events are acknowledged immediately and
// processed asynchronously so the gateway never waits on generation.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/pkg/delivery"
	"github.com/kirim-labs/kirim/pkg/reply"
)

const (
	// dedupTTL guards against gateway redelivery of the same message id.
	dedupTTL = 60 * time.Second

	// processTimeout bounds asynchronous handling of one event.
	processTimeout = 2 * time.Minute
)

// ReplyHandler is the inbound half of the reply state machine.
type ReplyHandler interface {
	HandleInbound(ctx context.Context, in reply.Inbound) error
}

// DeviceRegistry resolves sessions to tenants and records health.
type DeviceRegistry interface {
	GetBySession(ctx context.Context, sessionName string) (*delivery.Device, error)
	SetStatus(ctx context.Context, sessionName, status string) error
}

// Handler is the gateway webhook endpoint.
type Handler struct {
	replies ReplyHandler
	devices DeviceRegistry
	rdb     *redis.Client
}

func NewHandler(replies ReplyHandler, devices DeviceRegistry, rdb *redis.Client) *Handler {
	return &Handler{replies: replies, devices: devices, rdb: rdb}
}

// Routes mounts the webhook endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/gateway", h.handleGateway)
}

func (h *Handler) handleGateway(w http.ResponseWriter, r *http.Request) {
	var ev gateway.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	// Ack before processing: the gateway retries on slow responses and
	// the dedup lock below absorbs the resulting duplicates.
	w.WriteHeader(http.StatusAccepted)

	switch ev.Event {
	case "message":
		go h.processMessage(ev)
	case "session.status":
		go h.processStatus(ev)
	default:
		slog.Debug("webhook event ignored", "event", ev.Event)
	}
}

func (h *Handler) processMessage(ev gateway.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	p := ev.Payload
	if p.FromMe || p.Body == "" {
		return
	}
	if p.From == "" || strings.HasSuffix(p.From, "@g.us") {
		// Group chats are out of scope for automated replies.
		return
	}
	if !h.claim(ctx, p.ID) {
		slog.Debug("duplicate gateway delivery dropped", "message", p.ID)
		return
	}

	device, err := h.devices.GetBySession(ctx, ev.Session)
	if err != nil {
		slog.Warn("webhook for unknown session", "session", ev.Session, "error", err)
		return
	}

	in := reply.Inbound{
		OwnerID:  device.OwnerID,
		Session:  ev.Session,
		ChatID:   p.From,
		Phone:    strings.SplitN(p.From, "@", 2)[0],
		PushName: p.PushName,
		Text:     p.Body,
	}
	if err := h.replies.HandleInbound(ctx, in); err != nil {
		slog.Error("inbound handling failed", "chat", in.ChatID, "error", err)
	}
}

func (h *Handler) processStatus(ev gateway.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ev.Payload.Status == "" {
		return
	}
	if err := h.devices.SetStatus(ctx, ev.Session, ev.Payload.Status); err != nil {
		slog.Warn("session status update failed", "session", ev.Session, "error", err)
		return
	}
	slog.Info("session status updated", "session", ev.Session, "status", ev.Payload.Status)
}

// claim takes the short-lived dedup lock for one message id. Without
// Redis every delivery is treated as first.
func (h *Handler) claim(ctx context.Context, messageID string) bool {
	if h.rdb == nil || messageID == "" {
		return true
	}
	ok, err := h.rdb.SetNX(ctx, "msg_lock:"+messageID, 1, dedupTTL).Result()
	if err != nil {
		slog.Warn("dedup lock unavailable, processing anyway", "error", err)
		return true
	}
	return ok
}
