package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sendflow/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const queuePrefix = "sendflow:queue:"

// claimScript atomically pops one due task from the scheduled set and leases
// it into the processing set. Pop and lease must be one step or two workers
// could claim the same task.
// KEYS: scheduled zset, processing zset. ARGV: now ms, lease expiry ms.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
    return false
end
local id = due[1]
redis.call("ZREM", KEYS[1], id)
redis.call("ZADD", KEYS[2], ARGV[2], id)
return id
`)

// enqueueScript schedules a task only if its id is not already present, so
// a retried submission cannot create a duplicate.
// KEYS: scheduled zset, task hash. ARGV: ready ms, task id, payload.
var enqueueScript = redis.NewScript(`
local added = redis.call("ZADD", KEYS[1], "NX", ARGV[1], ARGV[2])
if added == 1 then
    redis.call("HSET", KEYS[2], "payload", ARGV[3], "attempt", 0)
end
return added
`)

// reapScript returns expired leases to the scheduled set. A worker that died
// mid-execution gets its task re-delivered once the lease runs out.
// KEYS: processing zset, scheduled zset. ARGV: now ms.
var reapScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #expired
`)

type RedisConfig struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

type registration struct {
	handler Handler
	opts    WorkerOptions
}

// RedisQueue implements Queue on Redis sorted sets keyed by ready time.
type RedisQueue struct {
	rdb *redis.Client
	cfg RedisConfig

	mu      sync.Mutex
	workers map[string]registration
}

func NewRedisQueue(rdb *redis.Client, cfg RedisConfig) *RedisQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Minute
	}
	return &RedisQueue{
		rdb:     rdb,
		cfg:     cfg,
		workers: make(map[string]registration),
	}
}

func (q *RedisQueue) scheduledKey(name string) string {
	return queuePrefix + name + ":scheduled"
}

func (q *RedisQueue) processingKey(name string) string {
	return queuePrefix + name + ":processing"
}

func (q *RedisQueue) deadKey(name string) string {
	return queuePrefix + name + ":dead"
}

func (q *RedisQueue) taskKey(name, id string) string {
	return queuePrefix + name + ":task:" + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskName string, payload []byte, opts Options) (string, error) {
	id := opts.TaskID
	if id == "" {
		id = uuid.New().String()
	}
	readyAt := time.Now().Add(max(0, opts.Delay))

	keys := []string{q.scheduledKey(taskName), q.taskKey(taskName, id)}
	err := enqueueScript.Run(ctx, q.rdb, keys, readyAt.UnixMilli(), id, payload).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskName, err)
	}
	return id, nil
}

func (q *RedisQueue) RegisterWorker(taskName string, h Handler, opts WorkerOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	q.mu.Lock()
	q.workers[taskName] = registration{handler: h, opts: opts}
	q.mu.Unlock()
}

func (q *RedisQueue) Depth(ctx context.Context, taskName string) (int64, error) {
	pipe := q.rdb.Pipeline()
	scheduled := pipe.ZCard(ctx, q.scheduledKey(taskName))
	processing := pipe.ZCard(ctx, q.processingKey(taskName))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return scheduled.Val() + processing.Val(), nil
}

// Run blocks until ctx is cancelled. Each registered task name gets its own
// pool of claim loops plus one lease reaper.
func (q *RedisQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup

	q.mu.Lock()
	regs := make(map[string]registration, len(q.workers))
	for name, reg := range q.workers {
		regs[name] = reg
	}
	q.mu.Unlock()

	for name, reg := range regs {
		var limiter *rate.Limiter
		if reg.opts.PerSecondCap > 0 {
			limiter = rate.NewLimiter(rate.Limit(reg.opts.PerSecondCap), reg.opts.PerSecondCap)
		}

		for i := 0; i < reg.opts.Concurrency; i++ {
			wg.Add(1)
			go func(slot int, name string, reg registration) {
				defer wg.Done()
				q.claimLoop(ctx, slot, name, reg, limiter)
			}(i, name, reg)
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			q.reapLoop(ctx, name)
		}(name)
	}

	wg.Wait()
}

func (q *RedisQueue) claimLoop(ctx context.Context, slot int, name string, reg registration, limiter *rate.Limiter) {
	logger.Info("queue worker started", zap.String("task", name), zap.Int("slot", slot))

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue worker stopped", zap.String("task", name), zap.Int("slot", slot))
			return
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		task, err := q.claim(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("claim failed", zap.String("task", name), zap.Error(err))
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}
		if task == nil {
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}

		q.execute(ctx, reg, task)
	}
}

// claim pops one due task, retrying transient redis errors with exponential
// backoff before giving up on this round.
func (q *RedisQueue) claim(ctx context.Context, name string) (*Task, error) {
	var id string

	op := func() error {
		now := time.Now()
		lease := now.Add(q.cfg.VisibilityTimeout)
		keys := []string{q.scheduledKey(name), q.processingKey(name)}
		res, err := claimScript.Run(ctx, q.rdb, keys, now.UnixMilli(), lease.UnixMilli()).Result()
		if err == redis.Nil {
			id = ""
			return nil
		}
		if err != nil {
			return err
		}
		id, _ = res.(string)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	fields, err := q.rdb.HGetAll(ctx, q.taskKey(name, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Payload gone (completed by a previous lease holder); drop the
		// stray member.
		q.rdb.ZRem(ctx, q.processingKey(name), id)
		return nil, nil
	}

	task := &Task{ID: id, Name: name, Payload: []byte(fields["payload"])}
	fmt.Sscanf(fields["attempt"], "%d", &task.Attempt)
	return task, nil
}

func (q *RedisQueue) execute(ctx context.Context, reg registration, task *Task) {
	err := reg.handler(ctx, task)

	// A reschedule request wins over the error outcome: the handler decided
	// this execution should not count.
	if at, ok := task.Rescheduled(); ok {
		if rerr := q.reschedule(ctx, task, at); rerr != nil {
			logger.Error("reschedule failed", zap.String("id", task.ID), zap.Error(rerr))
		}
		return
	}

	if err == nil {
		q.ack(ctx, task)
		if reg.opts.OnCompleted != nil {
			reg.opts.OnCompleted(task)
		}
		return
	}

	q.retry(ctx, task, err)
	if reg.opts.OnFailed != nil {
		reg.opts.OnFailed(task, err)
	}
}

func (q *RedisQueue) ack(ctx context.Context, task *Task) {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, q.processingKey(task.Name), task.ID)
	pipe.Del(ctx, q.taskKey(task.Name, task.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		// The lease reaper will re-deliver; at-least-once permits it.
		logger.Warn("ack failed, task may re-run", zap.String("id", task.ID), zap.Error(err))
	}
}

func (q *RedisQueue) reschedule(ctx context.Context, task *Task, at time.Time) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, q.processingKey(task.Name), task.ID)
	pipe.ZAdd(ctx, q.scheduledKey(task.Name), redis.Z{Score: float64(at.UnixMilli()), Member: task.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) retry(ctx context.Context, task *Task, cause error) {
	attempt := task.Attempt + 1

	if attempt >= q.cfg.MaxAttempts {
		logger.Error("task attempts exhausted, dead-lettering",
			zap.String("id", task.ID),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, q.processingKey(task.Name), task.ID)
		pipe.ZAdd(ctx, q.deadKey(task.Name), redis.Z{Score: float64(time.Now().UnixMilli()), Member: task.ID})
		pipe.HSet(ctx, q.taskKey(task.Name, task.ID), "attempt", attempt, "error", cause.Error())
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Error("dead-letter move failed", zap.String("id", task.ID), zap.Error(err))
		}
		return
	}

	delay := q.retryDelay(attempt)
	logger.Warn("task failed, retrying",
		zap.String("id", task.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))

	readyAt := time.Now().Add(delay)
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.taskKey(task.Name, task.ID), "attempt", attempt)
	pipe.ZRem(ctx, q.processingKey(task.Name), task.ID)
	pipe.ZAdd(ctx, q.scheduledKey(task.Name), redis.Z{Score: float64(readyAt.UnixMilli()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("retry reschedule failed", zap.String("id", task.ID), zap.Error(err))
	}
}

// retryDelay walks the exponential backoff curve up to attempt steps.
func (q *RedisQueue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.RetryInitialDelay
	b.MaxInterval = q.cfg.RetryMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (q *RedisQueue) reapLoop(ctx context.Context, name string) {
	interval := q.cfg.VisibilityTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys := []string{q.processingKey(name), q.scheduledKey(name)}
			n, err := reapScript.Run(ctx, q.rdb, keys, time.Now().UnixMilli()).Int64()
			if err != nil && err != redis.Nil {
				logger.Warn("lease reap failed", zap.String("task", name), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("requeued expired leases", zap.String("task", name), zap.Int64("count", n))
			}
		}
	}
}

func (q *RedisQueue) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
