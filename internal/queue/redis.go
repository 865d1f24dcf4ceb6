package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// reclaimBatch bounds how many delayed or expired jobs a single Reserve
// promotes, so one reserve call cannot stall behind an arbitrarily large
// backlog scan.
const reclaimBatch = 100

// Per-queue key layout under the configured prefix:
//
//	<prefix><queue>:ready     LIST of job ids, head is oldest
//	<prefix><queue>:delayed   ZSET job id scored by visible-at (unix milli)
//	<prefix><queue>:leased    ZSET job id scored by lease expiry (unix milli)
//	<prefix><queue>:jobs      HASH job id -> job JSON
//	<prefix><queue>:receipts  HASH job id -> current lease receipt
//	<prefix><queue>:dead      LIST of dead-lettered job JSON
//	<prefix><queue>:idem:<k>  STRING dedup marker with TTL
//
// All state transitions run as Lua scripts so each one is atomic on the
// server; timestamps are computed client-side and passed in, which keeps the
// scripts deterministic.
var (
	// enqueueScript claims the idempotency marker (when the job carries a
	// key), stores the body, and appends the id to ready. Returns 0 when
	// the marker already exists.
	enqueueScript = redis.NewScript(`
if tonumber(ARGV[3]) > 0 then
  local claimed = redis.call('SET', KEYS[3], '1', 'NX', 'EX', tonumber(ARGV[3]))
  if not claimed then
    return 0
  end
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

	// reserveScript promotes due delayed jobs to the ready tail, reclaims
	// expired leases to the ready head (dropping their receipts so stale
	// holders lose their lease), then pops and leases the oldest ready job.
	// Ids whose body has been removed are skipped. Returns {id, body} or
	// nil when the queue is empty.
	//
	// KEYS: ready, delayed, leased, jobs, receipts
	// ARGV: now-milli, lease-expiry-milli, receipt, promote batch
	reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', KEYS[5], id)
  redis.call('LPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local body = redis.call('HGET', KEYS[4], id)
  if body then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    redis.call('HSET', KEYS[5], id, ARGV[3])
    return {id, body}
  end
end
`)

	// ackScript removes a leased job if the receipt still matches. Returns
	// 0 when the lease was lost.
	//
	// KEYS: leased, jobs, receipts
	// ARGV: job id, receipt
	ackScript = redis.NewScript(`
local held = redis.call('HGET', KEYS[3], ARGV[1])
if held ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

	// nackScript releases a leased job if the receipt still matches, then
	// either schedules the updated body for retry or moves it to the dead
	// list. Returns 0 when the lease was lost.
	//
	// KEYS: leased, jobs, receipts, delayed, dead
	// ARGV: job id, receipt, updated body, visible-at-milli, dead flag
	nackScript = redis.NewScript(`
local held = redis.call('HGET', KEYS[3], ARGV[1])
if held ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if ARGV[5] == '1' then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('RPUSH', KEYS[5], ARGV[3])
else
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
end
return 1
`)
)

// RedisBroker is the Redis-backed Broker used for multi-process runs. Queue
// state lives entirely in Redis; only the per-process worker registry is
// local.
type RedisBroker struct {
	client  *redis.Client
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	workers map[string]int
	closed  bool
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to Redis, verifies the connection, and preloads
// the broker scripts.
func NewRedisBroker(cfg *Config, logger *slog.Logger) (*RedisBroker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  cfg.ReserveTimeout,
		WriteTimeout: cfg.ReserveTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.RedisAddr, err)
	}

	for _, script := range []*redis.Script{enqueueScript, reserveScript, ackScript, nackScript} {
		if err := script.Load(ctx, client).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("loading broker script: %w", err)
		}
	}

	logger.Info("queue broker connected",
		"addr", cfg.RedisAddr,
		"db", cfg.RedisDB,
		"prefix", cfg.KeyPrefix)

	return &RedisBroker{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]int, len(AllQueues())),
	}, nil
}

func (b *RedisBroker) key(queueName, part string) string {
	return b.cfg.KeyPrefix + queueName + ":" + part
}

func (b *RedisBroker) idemKey(queueName, idem string) string {
	return b.cfg.KeyPrefix + queueName + ":idem:" + idem
}

func (b *RedisBroker) checkQueue(queueName string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return ErrBrokerClosed
	}
	if !validQueue(queueName) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return nil
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if err := b.checkQueue(queueName); err != nil {
		return err
	}
	if err := checkPayload(job); err != nil {
		return err
	}

	job.Queue = queueName
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = b.now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}

	// The idempotency key slot is always passed; a zero TTL disables the
	// dedup branch in the script.
	ttl := 0
	idem := b.idemKey(queueName, job.IdempotencyKey)
	if job.IdempotencyKey != "" {
		ttl = int(b.cfg.DedupTTL.Seconds())
	}

	keys := []string{b.key(queueName, "ready"), b.key(queueName, "jobs"), idem}

	res, err := enqueueScript.Run(ctx, b.client, keys, job.ID, body, ttl).Int()
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: key %s", ErrDuplicateJob, job.IdempotencyKey)
	}
	return nil
}

// EnqueueBulk implements Broker. Duplicates are skipped, not errors.
func (b *RedisBroker) EnqueueBulk(ctx context.Context, queueName string, jobs []*Job) (int, error) {
	enqueued := 0
	for _, job := range jobs {
		err := b.Enqueue(ctx, queueName, job)
		if err != nil {
			if isDuplicate(err) {
				continue
			}
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// Reserve implements Broker.
func (b *RedisBroker) Reserve(ctx context.Context, queueName string, visibility time.Duration) (*Job, error) {
	if err := b.checkQueue(queueName); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReserveTimeout)
	defer cancel()

	now := b.now()
	receipt := ulid.Make().String()
	keys := []string{
		b.key(queueName, "ready"),
		b.key(queueName, "delayed"),
		b.key(queueName, "leased"),
		b.key(queueName, "jobs"),
		b.key(queueName, "receipts"),
	}

	vals, err := reserveScript.Run(ctx, b.client, keys,
		now.UnixMilli(), now.Add(visibility).UnixMilli(), receipt, reclaimBatch).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("reserving from %s: %w", queueName, err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("reserving from %s: unexpected script reply of %d values", queueName, len(vals))
	}

	body, ok := vals[1].(string)
	if !ok {
		return nil, fmt.Errorf("reserving from %s: job body is %T, not string", queueName, vals[1])
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decoding job from %s: %w", queueName, err)
	}
	job.setReceipt(receipt)
	return &job, nil
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	if err := b.checkQueue(job.Queue); err != nil {
		return err
	}

	keys := []string{
		b.key(job.Queue, "leased"),
		b.key(job.Queue, "jobs"),
		b.key(job.Queue, "receipts"),
	}

	res, err := ackScript.Run(ctx, b.client, keys, job.ID, job.Receipt()).Int()
	if err != nil {
		return fmt.Errorf("acking job %s: %w", job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, job.ID)
	}
	return nil
}

// Nack implements Broker.
func (b *RedisBroker) Nack(ctx context.Context, job *Job, delay time.Duration) error {
	if err := b.checkQueue(job.Queue); err != nil {
		return err
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.cfg.MaxAttempts
	}

	updated := *job
	updated.Attempts = job.Attempts + 1
	toDead := updated.Attempts >= maxAttempts

	if err := b.release(ctx, job, &updated, b.now().Add(delay), toDead); err != nil {
		return err
	}

	job.Attempts = updated.Attempts
	job.setReceipt("")

	if toDead {
		b.logger.Warn("job dead-lettered after exhausting attempts",
			"queue", job.Queue,
			"job_id", job.ID,
			"attempts", job.Attempts,
			"last_error", job.LastError)
	}
	return nil
}

// DeadLetter implements Broker.
func (b *RedisBroker) DeadLetter(ctx context.Context, job *Job, cause string) error {
	if err := b.checkQueue(job.Queue); err != nil {
		return err
	}

	updated := *job
	updated.LastError = cause

	if err := b.release(ctx, job, &updated, time.Time{}, true); err != nil {
		return err
	}

	job.LastError = cause
	job.setReceipt("")

	b.logger.Warn("job dead-lettered",
		"queue", job.Queue,
		"job_id", job.ID,
		"cause", cause)
	return nil
}

// release runs the nack script for both retry and dead-letter paths.
func (b *RedisBroker) release(ctx context.Context, job *Job, updated *Job, visibleAt time.Time, toDead bool) error {
	body, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}

	deadFlag := "0"
	if toDead {
		deadFlag = "1"
	}

	keys := []string{
		b.key(job.Queue, "leased"),
		b.key(job.Queue, "jobs"),
		b.key(job.Queue, "receipts"),
		b.key(job.Queue, "delayed"),
		b.key(job.Queue, "dead"),
	}

	res, err := nackScript.Run(ctx, b.client, keys,
		job.ID, job.Receipt(), body, visibleAt.UnixMilli(), deadFlag).Int()
	if err != nil {
		return fmt.Errorf("releasing job %s: %w", job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, job.ID)
	}
	return nil
}

// Counts implements Broker. Leased includes leases that have expired but not
// yet been reclaimed; reclaim happens on the next Reserve.
func (b *RedisBroker) Counts(ctx context.Context, queueName string) (Counts, error) {
	if err := b.checkQueue(queueName); err != nil {
		return Counts{}, err
	}

	var ready, dead *redis.IntCmd
	var delayed, leased *redis.IntCmd

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, b.key(queueName, "ready"))
		delayed = pipe.ZCard(ctx, b.key(queueName, "delayed"))
		leased = pipe.ZCard(ctx, b.key(queueName, "leased"))
		dead = pipe.LLen(ctx, b.key(queueName, "dead"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("counting %s: %w", queueName, err)
	}

	return Counts{
		Ready:        ready.Val(),
		Delayed:      delayed.Val(),
		Leased:       leased.Val(),
		DeadLettered: dead.Val(),
	}, nil
}

// DeadLetters returns the dead-letter sub-queue for inspection, oldest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, queueName string) ([]*Job, error) {
	if err := b.checkQueue(queueName); err != nil {
		return nil, err
	}

	bodies, err := b.client.LRange(ctx, b.key(queueName, "dead"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters for %s: %w", queueName, err)
	}

	jobs := make([]*Job, 0, len(bodies))
	for _, body := range bodies {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decoding dead letter in %s: %w", queueName, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Workers implements Broker. The count covers this process only; each
// process tracks its own consumers.
func (b *RedisBroker) Workers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workers[queueName]
}

// RegisterWorker implements Broker.
func (b *RedisBroker) RegisterWorker(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[queueName]++
}

// DeregisterWorker implements Broker.
func (b *RedisBroker) DeregisterWorker(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workers[queueName] > 0 {
		b.workers[queueName]--
	}
}

// Close implements Broker. Leased jobs are left to expire and be reclaimed
// by whichever process reserves next.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
