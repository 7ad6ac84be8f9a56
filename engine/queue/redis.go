package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/store"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

const (
	keyPending      = "flowmesh:queue:pending"
	keyDelayed      = "flowmesh:queue:delayed"
	keyLeases       = "flowmesh:queue:leases"
	keyActive       = "flowmesh:queue:active"
	keyActiveGlobal = "flowmesh:queue:active:global"
	keyDead         = "flowmesh:queue:dead"
	jobKeyPrefix    = "flowmesh:queue:job:"
)

// priorityBiasMillis shifts a pending job's score one full bias unit per
// priority point so higher-priority jobs always claim first. Must match
// the literal in claimScript.
const priorityBiasMillis = int64(1e9)

const maxRetryDelay = 5 * time.Minute

// claimScanLimit bounds how many pending jobs one claim inspects for
// admission. Jobs ranked behind claimScanLimit capped-out jobs wait
// until that head of the queue drains.
const claimScanLimit = 64

// Config is the queue's admission and retry policy.
type Config struct {
	MaxConcurrentPerWorkflow int
	MaxConcurrentGlobal      int
	MaxAttempts              int
	RetryBaseDelay           time.Duration
}

func (c *Config) withDefaults() Config {
	out := Config{
		MaxConcurrentPerWorkflow: 4,
		MaxConcurrentGlobal:      64,
		MaxAttempts:              3,
		RetryBaseDelay:           time.Second,
	}
	if c == nil {
		return out
	}
	if c.MaxConcurrentPerWorkflow > 0 {
		out.MaxConcurrentPerWorkflow = c.MaxConcurrentPerWorkflow
	}
	if c.MaxConcurrentGlobal > 0 {
		out.MaxConcurrentGlobal = c.MaxConcurrentGlobal
	}
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.RetryBaseDelay > 0 {
		out.RetryBaseDelay = c.RetryBaseDelay
	}
	return out
}

// claimScript atomically promotes due retries, reclaims expired leases
// and leases the first pending job whose workflow and global concurrency
// are under their caps, inspecting at most the first claimScanLimit
// pending jobs per call. Returns the claimed job JSON, or nil when
// nothing is claimable.
//
// KEYS: pending, delayed, leases, active hash, global counter
// ARGV: now ms, lease expiry ms, worker id, default per-workflow cap,
// global cap, job key prefix, scan limit
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[6]

local function pendingScore(job)
  local priority = tonumber(job['priority']) or 0
  return now - priority * 1e9
end

local function release(job)
  local left = redis.call('HINCRBY', KEYS[4], job['workflow_id'], -1)
  if left <= 0 then redis.call('HDEL', KEYS[4], job['workflow_id']) end
  if redis.call('DECR', KEYS[5]) < 0 then redis.call('SET', KEYS[5], '0') end
end

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local raw = redis.call('GET', prefix .. id)
  if raw then
    redis.call('ZADD', KEYS[1], pendingScore(cjson.decode(raw)), id)
  end
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  local raw = redis.call('GET', prefix .. id)
  if raw then
    local job = cjson.decode(raw)
    release(job)
    job['claimed_by'] = nil
    job['status'] = 'pending'
    redis.call('SET', prefix .. id, cjson.encode(job))
    redis.call('ZADD', KEYS[1], pendingScore(job), id)
  end
end

local globalActive = tonumber(redis.call('GET', KEYS[5]) or '0')
if globalActive >= tonumber(ARGV[5]) then return false end

local candidates = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[7]) - 1)
for _, id in ipairs(candidates) do
  local raw = redis.call('GET', prefix .. id)
  if not raw then
    redis.call('ZREM', KEYS[1], id)
  else
    local job = cjson.decode(raw)
    local cap = tonumber(job['max_concurrent']) or 0
    if cap <= 0 then cap = tonumber(ARGV[4]) end
    local active = tonumber(redis.call('HGET', KEYS[4], job['workflow_id']) or '0')
    if active < cap then
      redis.call('ZREM', KEYS[1], id)
      redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
      redis.call('HINCRBY', KEYS[4], job['workflow_id'], 1)
      redis.call('INCR', KEYS[5])
      job['claimed_by'] = ARGV[3]
      job['status'] = 'claimed'
      raw = cjson.encode(job)
      redis.call('SET', prefix .. id, raw)
      return raw
    end
  end
end
return false
`)

// completeScript releases the lease and concurrency slots for a job the
// caller still holds. Returns 0 when the lease was already reclaimed.
//
// KEYS: leases, active hash, global counter, job key
// ARGV: job id
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local raw = redis.call('GET', KEYS[4])
if raw then
  local job = cjson.decode(raw)
  local left = redis.call('HINCRBY', KEYS[2], job['workflow_id'], -1)
  if left <= 0 then redis.call('HDEL', KEYS[2], job['workflow_id']) end
  if redis.call('DECR', KEYS[3]) < 0 then redis.call('SET', KEYS[3], '0') end
  job['claimed_by'] = nil
  job['status'] = 'completed'
  redis.call('SET', KEYS[4], cjson.encode(job), 'EX', 3600)
end
return 1
`)

// failScript releases the lease, then either schedules a retry or
// dead-letters the job. Returns 0 when the lease was already reclaimed,
// 1 when retried, 2 when dead-lettered.
//
// KEYS: leases, active hash, global counter, job key, delayed, dead
// ARGV: job id, retryable (0/1), max attempts, retry ready-at ms
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local raw = redis.call('GET', KEYS[4])
if not raw then return 0 end
local job = cjson.decode(raw)
local left = redis.call('HINCRBY', KEYS[2], job['workflow_id'], -1)
if left <= 0 then redis.call('HDEL', KEYS[2], job['workflow_id']) end
if redis.call('DECR', KEYS[3]) < 0 then redis.call('SET', KEYS[3], '0') end
job['attempt'] = (tonumber(job['attempt']) or 0) + 1
job['claimed_by'] = nil
if tonumber(ARGV[2]) == 1 and job['attempt'] < tonumber(ARGV[3]) then
  job['status'] = 'pending'
  redis.call('SET', KEYS[4], cjson.encode(job))
  redis.call('ZADD', KEYS[5], tonumber(ARGV[4]), ARGV[1])
  return 1
end
job['status'] = 'dead_lettered'
redis.call('SET', KEYS[4], cjson.encode(job))
redis.call('RPUSH', KEYS[6], ARGV[1])
return 2
`)

// extendScript refreshes a still-held lease. Returns 0 when the lease
// was already reclaimed.
//
// KEYS: leases
// ARGV: job id, new expiry ms
var extendScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then return 0 end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// RedisService implements Service on Redis sorted sets with Lua-scripted
// transitions so admission control stays atomic across workers.
type RedisService struct {
	client redis.UniversalClient
	repo   store.Repository
	config Config
}

func NewRedisService(client redis.UniversalClient, repo store.Repository, config *Config) *RedisService {
	return &RedisService{
		client: client,
		repo:   repo,
		config: config.withDefaults(),
	}
}

func jobKey(id core.ID) string {
	return jobKeyPrefix + id.String()
}

func pendingScore(priority int, at time.Time) float64 {
	return float64(at.UnixMilli() - int64(priority)*priorityBiasMillis)
}

func (s *RedisService) Enqueue(ctx context.Context, req *EnqueueRequest) (*Job, error) {
	if req == nil || req.WorkflowID == "" {
		return nil, fmt.Errorf("enqueue requires a workflow id")
	}
	mode := req.Mode
	if mode == "" {
		mode = core.ModeManual
	}
	execID, err := core.NewID()
	if err != nil {
		return nil, fmt.Errorf("generating execution id: %w", err)
	}
	if err := s.repo.CreateRecord(ctx, execution.NewRecord(execID, req.WorkflowID, mode)); err != nil {
		return nil, fmt.Errorf("creating execution record: %w", err)
	}
	jobID, err := core.NewID()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}
	job := &Job{
		ID:            jobID,
		ExecutionID:   execID,
		WorkflowID:    req.WorkflowID,
		Mode:          mode,
		Status:        JobPending,
		Priority:      req.Priority,
		EnqueuedAt:    time.Now().UTC(),
		MaxConcurrent: req.MaxConcurrent,
	}
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling job payload: %w", err)
		}
		job.Payload = raw
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), raw, 0)
	pipe.ZAdd(ctx, keyPending, redis.Z{
		Score:  pendingScore(job.Priority, job.EnqueuedAt),
		Member: job.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueuing job: %w", err)
	}
	logger.FromContext(ctx).Debug("job enqueued",
		"job_id", job.ID, "workflow_id", job.WorkflowID, "mode", mode)
	return job, nil
}

func (s *RedisService) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Job, error) {
	now := time.Now().UTC()
	result, err := claimScript.Run(ctx, s.client,
		[]string{keyPending, keyDelayed, keyLeases, keyActive, keyActiveGlobal},
		now.UnixMilli(),
		now.Add(leaseDuration).UnixMilli(),
		workerID,
		s.config.MaxConcurrentPerWorkflow,
		s.config.MaxConcurrentGlobal,
		jobKeyPrefix,
		claimScanLimit,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("claiming job: unexpected script reply %T", result)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling claimed job: %w", err)
	}
	return &job, nil
}

func (s *RedisService) Complete(ctx context.Context, jobID core.ID) error {
	result, err := completeScript.Run(ctx, s.client,
		[]string{keyLeases, keyActive, keyActiveGlobal, jobKey(jobID)},
		jobID.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("completing job %q: %w", jobID, err)
	}
	if result == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (s *RedisService) Fail(ctx context.Context, jobID core.ID, retryable bool) (FailOutcome, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	readyAt := time.Now().UTC().Add(s.retryDelay(job.Attempt + 1))
	retryFlag := 0
	if retryable {
		retryFlag = 1
	}
	result, err := failScript.Run(ctx, s.client,
		[]string{keyLeases, keyActive, keyActiveGlobal, jobKey(jobID), keyDelayed, keyDead},
		jobID.String(),
		retryFlag,
		s.config.MaxAttempts,
		readyAt.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failing job %q: %w", jobID, err)
	}
	log := logger.FromContext(ctx).With("job_id", jobID, "workflow_id", job.WorkflowID)
	switch result {
	case 1:
		log.Info("job scheduled for retry", "attempt", job.Attempt+1, "ready_at", readyAt)
		return FailRetried, nil
	case 2:
		log.Warn("job dead-lettered", "attempt", job.Attempt+1)
		return FailDeadLettered, nil
	default:
		return 0, ErrLeaseExpired
	}
}

func (s *RedisService) ExtendLease(ctx context.Context, jobID core.ID, leaseDuration time.Duration) error {
	expiry := time.Now().UTC().Add(leaseDuration).UnixMilli()
	result, err := extendScript.Run(ctx, s.client,
		[]string{keyLeases}, jobID.String(), expiry).Int()
	if err != nil {
		return fmt.Errorf("extending lease for job %q: %w", jobID, err)
	}
	if result == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (s *RedisService) ListDeadLetters(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.LRange(ctx, keyDead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.getJob(ctx, core.ID(id))
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisService) EnqueueErrorRun(
	ctx context.Context,
	workflowID string,
	data *execution.WorkflowErrorData,
) error {
	item := data.AsItem()
	_, err := s.Enqueue(ctx, &EnqueueRequest{
		WorkflowID: workflowID,
		Mode:       core.ModeError,
		Payload:    item.JSON,
	})
	return err
}

func (s *RedisService) getJob(ctx context.Context, jobID core.ID) (*Job, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("fetching job %q: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job %q: %w", jobID, err)
	}
	return &job, nil
}

// retryDelay walks the exponential backoff out to the given attempt.
func (s *RedisService) retryDelay(attempt int) time.Duration {
	backoff := retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(s.config.RetryBaseDelay))
	delay := s.config.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		next, stop := backoff.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}
