package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/linkbilling/webhook"
)

// RedisQueueConfig configures the self-hosted delayed queue. In Redis
// Cluster the prefix must carry a hash tag so the job, in-flight and dedup
// keys share a slot.
type RedisQueueConfig struct {
	Prefix       string        `yaml:"prefix" json:"prefix"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	BatchSize    int64         `yaml:"batch_size" json:"batch_size"`
	DedupTTL     time.Duration `yaml:"dedup_ttl" json:"dedup_ttl"`
	// Lease is how long a claimed job stays invisible before another poller
	// may take it. It must outlast a full dispatcher retry cycle.
	Lease time.Duration `yaml:"lease" json:"lease"`
}

// storedJob is the sorted-set member for a queued job.
type storedJob struct {
	ID              string          `json:"id"`
	URL             string          `json:"url"`
	Body            json.RawMessage `json:"body"`
	DeduplicationID string          `json:"dedupId,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
}

var (
	// KEYS: jobs, [dedup]. ARGV: id, due, member, dedup ttl ms.
	publishScript = redis.NewScript(`
if #KEYS == 2 then
  local existing = redis.call('GET', KEYS[2])
  if existing then return existing end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
if #KEYS == 2 then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
end
return ARGV[1]
`)

	// Moves a member between two sorted sets. KEYS: from, to. ARGV: member, score.
	moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

	// KEYS: inflight, jobs. ARGV: now, limit.
	requeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], ARGV[1], m)
end
return #expired
`)
)

// RedisQueue keeps jobs in a sorted set scored by due time. Run polls for
// due jobs and hands them to a webhook.Dispatcher. A claimed job moves to an
// in-flight set scored by its lease deadline and is removed only once it has
// been delivered or dead-lettered, so a poller that dies mid-delivery leaves
// the job to be redelivered.
type RedisQueue struct {
	client     redis.UniversalClient
	dispatcher *webhook.Dispatcher
	cfg        RedisQueueConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewRedisQueue creates a RedisQueue. dispatcher may be nil for
// publish-only use.
func NewRedisQueue(client redis.UniversalClient, dispatcher *webhook.Dispatcher, cfg RedisQueueConfig, logger *slog.Logger) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = "queue:"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 7 * 24 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (q *RedisQueue) jobsKey() string { return q.cfg.Prefix + "jobs" }

func (q *RedisQueue) inflightKey() string { return q.cfg.Prefix + "inflight" }

func (q *RedisQueue) dedupKey(id string) string { return q.cfg.Prefix + "dedup:" + id }

// Publish enqueues the job. A job whose DeduplicationID was already seen
// within the dedup TTL is dropped and the original job id returned. The
// dedup marker is written in the same script as the job, so a failed
// enqueue never leaves a marker behind.
func (q *RedisQueue) Publish(ctx context.Context, job Job) (string, error) {
	body, err := encodeBody(job)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := q.now()
	member, err := json.Marshal(storedJob{
		ID:              id,
		URL:             job.URL,
		Body:            body,
		DeduplicationID: job.DeduplicationID,
		EnqueuedAt:      now,
	})
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}

	keys := []string{q.jobsKey()}
	if job.DeduplicationID != "" {
		keys = append(keys, q.dedupKey(job.DeduplicationID))
	}
	due := now.Add(job.Delay).UnixMilli()
	got, err := publishScript.Run(ctx, q.client, keys, id, due, string(member), q.cfg.DedupTTL.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	if got != id {
		q.logger.Info("duplicate job dropped", "dedup_id", job.DeduplicationID, "job_id", got)
	}
	return got, nil
}

// Pending returns the number of jobs not yet delivered or dead-lettered,
// including those currently leased to a poller.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	var queued, leased *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		queued = pipe.ZCard(ctx, q.jobsKey())
		leased = pipe.ZCard(ctx, q.inflightKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: pending: %w", err)
	}
	return queued.Val() + leased.Val(), nil
}

// claim leases a due member to this poller. Only one of several concurrent
// pollers wins a given member.
func (q *RedisQueue) claim(ctx context.Context, member string) (bool, error) {
	deadline := q.now().Add(q.cfg.Lease).UnixMilli()
	n, err := moveScript.Run(ctx, q.client, []string{q.jobsKey(), q.inflightKey()}, member, deadline).Int()
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	return n == 1, nil
}

// release hands a leased member back as immediately due.
func (q *RedisQueue) release(ctx context.Context, member string) error {
	now := q.now().UnixMilli()
	if err := moveScript.Run(ctx, q.client, []string{q.inflightKey(), q.jobsKey()}, member, now).Err(); err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	return nil
}

func (q *RedisQueue) ack(ctx context.Context, member string) error {
	if err := q.client.ZRem(ctx, q.inflightKey(), member).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// requeueExpired returns jobs whose lease ran out to the due set.
func (q *RedisQueue) requeueExpired(ctx context.Context) (int64, error) {
	now := q.now().UnixMilli()
	n, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey(), q.jobsKey()}, now, q.cfg.BatchSize).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: requeue expired: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued jobs with expired lease", "count", n)
	}
	return n, nil
}

// Poll claims and delivers every job that is due. It returns the number of
// jobs delivered. A delivery interrupted by ctx is handed back to the queue;
// one that failed and could not be dead-lettered stays leased until the
// lease expires.
func (q *RedisQueue) Poll(ctx context.Context) (int, error) {
	if q.dispatcher == nil {
		return 0, nil
	}
	if _, err := q.requeueExpired(ctx); err != nil {
		return 0, err
	}
	members, err := q.client.ZRangeByScore(ctx, q.jobsKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: poll: %w", err)
	}

	delivered := 0
	for _, m := range members {
		ok, err := q.claim(ctx, m)
		if err != nil {
			return delivered, err
		}
		if !ok {
			continue
		}

		var job storedJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			q.logger.Error("dropping undecodable job", "error", err)
			if err := q.ack(ctx, m); err != nil {
				return delivered, err
			}
			continue
		}

		_, err = q.dispatcher.Send(ctx, job.ID, job.URL, job.Body, nil)
		switch {
		case err == nil:
			delivered++
		case ctx.Err() != nil:
			if rerr := q.release(context.WithoutCancel(ctx), m); rerr != nil {
				q.logger.Error("job left leased", "job_id", job.ID, "error", rerr)
			}
			return delivered, ctx.Err()
		case errors.Is(err, webhook.ErrNotParked):
			q.logger.Error("job left leased for redelivery", "job_id", job.ID, "url", job.URL, "error", err)
			continue
		default:
			q.logger.Warn("job dead-lettered", "job_id", job.ID, "url", job.URL, "error", err)
		}
		if err := q.ack(ctx, m); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// Run polls until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.logger.Info("delayed queue poller started", "interval", q.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("delayed queue poller stopped")
			return
		case <-ticker.C:
			if _, err := q.Poll(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("delayed queue poll failed", "error", err)
			}
		}
	}
}

var (
	_ Publisher = (*RedisQueue)(nil)
	_ Publisher = (*QStashPublisher)(nil)
)
