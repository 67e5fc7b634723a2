// Package daemon wires the pipeline together and runs it: stores,
// queue consumers, the vector archiver, and the HTTP surface.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/kirim-labs/kirim/internal/config"
	"github.com/kirim-labs/kirim/internal/gateway"
	"github.com/kirim-labs/kirim/internal/webhook"
	"github.com/kirim-labs/kirim/pkg/answer"
	"github.com/kirim-labs/kirim/pkg/campaign"
	"github.com/kirim-labs/kirim/pkg/catalog"
	"github.com/kirim-labs/kirim/pkg/delivery"
	"github.com/kirim-labs/kirim/pkg/knowledge"
	"github.com/kirim-labs/kirim/pkg/provider"
	"github.com/kirim-labs/kirim/pkg/queue"
	"github.com/kirim-labs/kirim/pkg/reply"
)

// Daemon owns every long-lived component. All collaborators are built
// in New via constructor injection; Run only starts and stops them.
type Daemon struct {
	cfg *config.Config

	db  *sql.DB
	rdb *redis.Client
	hot *knowledge.HotStore

	Bus         *EventBus
	Queue       *queue.Queue
	Knowledge   *knowledge.Store
	Replier     *reply.Replier
	Broadcaster *delivery.Broadcaster
	Campaigns   *campaign.Store
	Devices     *delivery.DeviceStore
	Catalog     *catalog.Store
	Providers   *provider.SQLiteStore

	archiver *knowledge.Archiver
	hooks    *webhook.Handler
	gw       *gateway.Client
	embedder *knowledge.TEIClient
	router   *provider.Router
	monitor  *delivery.Monitor

	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
}

// New builds the full component graph. Nothing starts running until Run.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Postgres.URL == "" {
		return nil, errors.New("postgres url is required for the knowledge hot tier")
	}

	db, err := config.OpenState(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}

	hot, err := knowledge.NewHotStore(ctx, cfg.Postgres.URL)
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		hot:       hot,
		Bus:       NewEventBus(),
		startedAt: time.Now(),
	}
	if err := d.wire(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context) error {
	cold := knowledge.NewArchive(d.db)
	replyStore := reply.NewStore(d.db)
	d.Providers = provider.NewSQLiteStore(d.db)
	d.Catalog = catalog.NewStore(d.db)
	d.Campaigns = campaign.NewStore(d.db)
	d.Devices = delivery.NewDeviceStore(d.db)

	for name, init := range map[string]func(context.Context) error{
		"hot tier":  d.hot.Init,
		"cold tier": cold.Init,
		"reply":     replyStore.Init,
		"providers": d.Providers.Init,
		"catalog":   d.Catalog.Init,
		"campaigns": d.Campaigns.Init,
		"devices":   d.Devices.Init,
	} {
		if err := init(ctx); err != nil {
			return fmt.Errorf("init %s store: %w", name, err)
		}
	}

	d.embedder = knowledge.NewTEIClient(d.cfg.Embeddings.BaseURL)
	d.Knowledge = knowledge.NewStore(d.hot, cold, d.embedder)

	d.router = provider.NewRouter(d.Providers, d.rdb)
	gen := answer.NewGenerator(d.Knowledge, d.router, d.Catalog, nil)

	d.gw = gateway.NewClient(d.cfg.Gateway.BaseURL, d.cfg.Gateway.APIKey)
	rich := delivery.NewRichSender(d.gw, d.Catalog)

	d.Queue = queue.New(d.rdb, queue.Config{
		Prefix:      d.cfg.Queue.Prefix,
		MaxAttempts: d.cfg.Queue.MaxAttempts,
	})

	d.Replier = reply.NewReplier(replyStore, gen, rich, d.Queue, reply.Config{
		MinReplyDelay: parseDuration(d.cfg.Reply.MinDelay),
		MaxReplyDelay: parseDuration(d.cfg.Reply.MaxDelay),
		TypingMin:     parseDuration(d.cfg.Reply.TypingMin),
		TypingMax:     parseDuration(d.cfg.Reply.TypingMax),
	})
	d.Broadcaster = delivery.NewBroadcaster(d.Campaigns, d.Devices, d.gw, d.Queue, d.rdb, d.cfg.Queue.MaxAttempts)
	d.monitor = delivery.NewMonitor(d.Devices, d.gw, 0)

	concurrency := d.cfg.Queue.Concurrency
	d.Queue.Register(reply.JobTypeDelayedReply, concurrency, func(ctx context.Context, job *queue.Job) error {
		if err := d.Replier.HandleDelayedReply(ctx, job.Payload); err != nil {
			return err
		}
		d.Bus.Publish(Event{Type: EventReply, Message: "delayed reply delivered"})
		return nil
	})
	d.Queue.Register(delivery.JobTypeBroadcast, concurrency, func(ctx context.Context, job *queue.Job) error {
		if err := d.Broadcaster.Handle(ctx, job); err != nil {
			return err
		}
		d.Bus.Publish(Event{Type: EventBroadcast, Message: "broadcast message processed"})
		return nil
	})

	if !d.cfg.Archive.Disabled {
		d.archiver = knowledge.NewArchiver(d.hot, cold, knowledge.ArchiverConfig{
			Interval: parseDuration(d.cfg.Archive.Interval),
			MaxAge:   time.Duration(d.cfg.Archive.MaxAgeDays) * 24 * time.Hour,
		})
	}

	d.hooks = webhook.NewHandler(&observedReplies{inner: d.Replier, bus: d.Bus}, d.Devices, d.rdb)
	return nil
}

// Run starts the HTTP surface, queue consumers and the archiver, then
// blocks until the context is cancelled or the server fails.
func (d *Daemon) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", d.handleHealth)
	r.Get("/v1/events", d.handleEvents)
	r.Get("/v1/providers", d.handleProviders)
	d.hooks.Routes(r)

	d.httpServer = &http.Server{Addr: d.cfg.HTTPAddr, Handler: r}
	errCh := make(chan error, 2)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := d.Queue.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("queue: %w", err)
		}
	}()
	if d.archiver != nil {
		go d.archiver.Run(ctx)
	}
	go d.monitor.Run(ctx)

	d.setHealthy(true)
	d.Bus.Publish(Event{Type: EventStatus, Message: "daemon started"})
	slog.Info("daemon running", "addr", d.cfg.HTTPAddr, "queue_prefix", d.cfg.Queue.Prefix)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.setHealthy(false)
		return err
	}

	d.setHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

// Close releases database and cache connections.
func (d *Daemon) Close() {
	if d.hot != nil {
		d.hot.Close()
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	defer d.healthyMu.RUnlock()
	return d.healthy
}

// handleHealth reports liveness plus the reachability of the two
// upstream services the pipeline cannot run without. Their failures
// degrade the payload but not the status code: the daemon itself is
// still up.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !d.isHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"starting"}`)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	embeddings := "ok"
	if err := d.embedder.Health(ctx); err != nil {
		embeddings = err.Error()
	}
	gatewayStatus := "ok"
	if !d.gw.Health(ctx) {
		gatewayStatus = "unreachable"
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "ok",
		"uptime":     time.Since(d.startedAt).Round(time.Second).String(),
		"gateway":    gatewayStatus,
		"embeddings": embeddings,
	})
}

// handleProviders lists active model profiles with their quota usage
// and the live requests-per-minute counter.
func (d *Daemon) handleProviders(w http.ResponseWriter, r *http.Request) {
	profiles, err := d.Providers.ListActive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type providerStatus struct {
		Name        string `json:"name"`
		Kind        string `json:"kind"`
		Priority    int    `json:"priority"`
		DailyUsed   int    `json:"dailyUsed"`
		DailyLimit  int    `json:"dailyLimit"`
		MonthlyUsed int    `json:"monthlyUsed"`
		RPM         int64  `json:"rpm"`
	}
	out := make([]providerStatus, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, providerStatus{
			Name:        p.Name,
			Kind:        p.Kind,
			Priority:    p.Priority,
			DailyUsed:   p.DailyUsed,
			DailyLimit:  p.DailyLimit,
			MonthlyUsed: p.MonthlyUsed,
			RPM:         d.router.RequestsThisMinute(r.Context(), p.Name),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.Bus.Subscribe()
	defer d.Bus.Unsubscribe(done)

	for _, e := range d.Bus.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}

// observedReplies publishes inbound traffic on the event stream before
// handing it to the state machine.
type observedReplies struct {
	inner *reply.Replier
	bus   *EventBus
}

func (o *observedReplies) HandleInbound(ctx context.Context, in reply.Inbound) error {
	o.bus.Publish(Event{Type: EventInbound, Chat: in.ChatID, Session: in.Session})
	if err := o.inner.HandleInbound(ctx, in); err != nil {
		o.bus.Publish(Event{Type: EventError, Chat: in.ChatID, Message: err.Error()})
		return err
	}
	return nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration in config, using default", "value", s)
		return 0
	}
	return d
}
