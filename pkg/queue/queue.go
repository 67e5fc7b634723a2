// Package queue implements a durable delayed job queue on Redis
// sorted sets. Jobs are scored by their not-before time; consumers
// claim due jobs atomically and retry failures with backoff.
//
// Delivery is at-least-once: a claim moves the job into a processing
// set under a lease, and a worker that dies before acknowledging only
// holds the job until the lease expires and it is returned to the
// queue. The job may already have had side effects on a previous
// attempt, so handlers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 3
	defaultBaseBackoff  = 30 * time.Second
	defaultLeaseTimeout = 5 * time.Minute
	claimBatch          = 10
	ackTimeout          = 10 * time.Second
)

// Job is one unit of delayed work.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Handler processes one claimed job. A nil return completes the job;
// an error re-enqueues it with backoff unless wrapped by Permanent or
// the attempt budget is spent.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable. The job is
// dropped immediately instead of re-enqueued.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type consumer struct {
	handler     Handler
	concurrency int
}

// Queue schedules and drains delayed jobs.
type Queue struct {
	rdb          *redis.Client
	prefix       string
	consumers    map[string]consumer
	pollInterval time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
	leaseTimeout time.Duration
}

// Config tunes a queue. Zero values take defaults.
type Config struct {
	Prefix       string
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	LeaseTimeout time.Duration
}

// New creates a queue over an existing Redis client.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "queue"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaultLeaseTimeout
	}
	return &Queue{
		rdb:          rdb,
		prefix:       cfg.Prefix,
		consumers:    make(map[string]consumer),
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		baseBackoff:  cfg.BaseBackoff,
		leaseTimeout: cfg.LeaseTimeout,
	}
}

func (q *Queue) key(jobType string) string {
	return q.prefix + ":jobs:" + jobType
}

func (q *Queue) claimedKey(jobType string) string {
	return q.prefix + ":claimed:" + jobType
}

// Register binds a handler to a job type with a concurrency bound.
// Must be called before Run.
func (q *Queue) Register(jobType string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.consumers[jobType] = consumer{handler: h, concurrency: concurrency}
}

// Enqueue schedules one job after the given delay and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	job := Job{ID: uuid.NewString(), Type: jobType, Payload: raw}
	if err := q.add(ctx, job, time.Now().Add(delay)); err != nil {
		return "", err
	}
	return job.ID, nil
}

// BulkItem is one job in a bulk submission.
type BulkItem struct {
	Payload any
	Delay   time.Duration
}

// EnqueueBulk schedules many jobs of one type in a single pipeline,
// each with its own delay.
func (q *Queue) EnqueueBulk(ctx context.Context, jobType string, items []BulkItem) error {
	now := time.Now()
	pipe := q.rdb.Pipeline()
	for _, item := range items {
		raw, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("marshal bulk payload: %w", err)
		}
		member, err := json.Marshal(Job{ID: uuid.NewString(), Type: jobType, Payload: raw})
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		pipe.ZAdd(ctx, q.key(jobType), redis.Z{
			Score:  float64(now.Add(item.Delay).UnixMilli()),
			Member: member,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %d jobs of type %s: %w", len(items), jobType, err)
	}
	return nil
}

func (q *Queue) add(ctx context.Context, job Job, notBefore time.Time) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.rdb.ZAdd(ctx, q.key(job.Type), redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}
	return nil
}

// Size returns the number of pending jobs of a type, due or not.
// Jobs held under an active claim are not counted.
func (q *Queue) Size(ctx context.Context, jobType string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.key(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size for %s: %w", jobType, err)
	}
	return n, nil
}

// claimScript moves up to ARGV[2] due members from the pending set
// into the claimed set scored with the lease deadline ARGV[3], in one
// round trip, so two workers polling the same type never claim the
// same job.
var claimScript = redis.NewScript(`
local jobs = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, j in ipairs(jobs) do
  redis.call('ZREM', KEYS[1], j)
  redis.call('ZADD', KEYS[2], ARGV[3], j)
end
return jobs
`)

// reapScript returns claimed members whose lease deadline has passed
// to the pending set, due immediately.
var reapScript = redis.NewScript(`
local jobs = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, j in ipairs(jobs) do
  redis.call('ZREM', KEYS[1], j)
  redis.call('ZADD', KEYS[2], ARGV[1], j)
end
return #jobs
`)

// retryScript acknowledges the claimed member ARGV[1] and enqueues its
// successor ARGV[3] scored at ARGV[2] in one round trip, so a failure
// cannot land the job in both sets or neither.
var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// claimed pairs a decoded job with the raw member string that keys it
// in the claimed set.
type claimed struct {
	job    Job
	member string
}

func (q *Queue) claim(ctx context.Context, jobType string, limit int) ([]claimed, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key(jobType), q.claimedKey(jobType)},
		now.UnixMilli(), limit, now.Add(q.leaseTimeout).UnixMilli()).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", jobType, err)
	}

	members, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected claim result type %T", res)
	}

	var jobs []claimed
	for _, m := range members {
		s, ok := m.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			slog.Error("dropping undecodable job", "type", jobType, "error", err)
			q.ack(jobType, s)
			continue
		}
		jobs = append(jobs, claimed{job: job, member: s})
	}
	return jobs, nil
}

// reap returns jobs whose lease expired to the pending set.
func (q *Queue) reap(ctx context.Context, jobType string) (int64, error) {
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.claimedKey(jobType), q.key(jobType)},
		time.Now().UnixMilli(), claimBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("reap %s leases: %w", jobType, err)
	}
	return n, nil
}

// ack removes a settled member from the claimed set. Acknowledgement
// runs on its own context so a shutdown mid-job still settles it.
func (q *Queue) ack(jobType, member string) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := q.rdb.ZRem(ctx, q.claimedKey(jobType), member).Err(); err != nil {
		slog.Warn("job ack failed, lease will be reaped", "type", jobType, "error", err)
	}
}

// Run drains every registered job type until the context is canceled.
// Each type gets its own poll loop and its own concurrency bound.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for jobType, c := range q.consumers {
		jobType, c := jobType, c
		g.Go(func() error {
			return q.runConsumer(ctx, jobType, c)
		})
	}
	slog.Info("queue consumers started", "types", len(q.consumers))
	return g.Wait()
}

func (q *Queue) runConsumer(ctx context.Context, jobType string, c consumer) error {
	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(c.concurrency)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return workers.Wait()
		case <-ticker.C:
			if n, err := q.reap(ctx, jobType); err != nil {
				slog.Warn("lease reap failed", "type", jobType, "error", err)
			} else if n > 0 {
				slog.Warn("returned expired claims to queue", "type", jobType, "count", n)
			}
			jobs, err := q.claim(ctx, jobType, claimBatch)
			if err != nil {
				slog.Warn("job claim failed", "type", jobType, "error", err)
				continue
			}
			for _, cl := range jobs {
				cl := cl
				workers.Go(func() error {
					q.dispatch(wctx, c.handler, cl)
					return nil
				})
			}
		}
	}
}

// dispatch runs one job, applies the retry policy, and settles the
// claim.
func (q *Queue) dispatch(ctx context.Context, h Handler, cl claimed) {
	job := cl.job
	err := h(ctx, &job)
	if err == nil {
		q.ack(job.Type, cl.member)
		return
	}

	if IsPermanent(err) {
		slog.Error("job failed permanently", "type", job.Type, "id", job.ID, "error", err)
		q.ack(job.Type, cl.member)
		return
	}

	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		slog.Error("job exhausted retries", "type", job.Type, "id", job.ID,
			"attempts", job.Attempt, "error", err)
		q.ack(job.Type, cl.member)
		return
	}

	backoff := q.baseBackoff << (job.Attempt - 1)
	slog.Warn("job failed, retrying", "type", job.Type, "id", job.ID,
		"attempt", job.Attempt, "backoff", backoff, "error", err)
	q.retry(cl.member, job, time.Now().Add(backoff))
}

// retry settles the claim and schedules the incremented job in one
// atomic step, on its own context so a shutdown mid-backoff cannot
// drop the job.
func (q *Queue) retry(member string, job Job, notBefore time.Time) {
	next, err := json.Marshal(job)
	if err != nil {
		slog.Error("marshal retry job", "type", job.Type, "id", job.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	err = retryScript.Run(ctx, q.rdb,
		[]string{q.claimedKey(job.Type), q.key(job.Type)},
		member, notBefore.UnixMilli(), next).Err()
	if err != nil {
		slog.Error("retry re-enqueue failed, lease will be reaped", "type", job.Type, "id", job.ID, "error", err)
	}
}
