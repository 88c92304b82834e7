// Package queue implements the gateway↔worker job queue named in spec §5:
// "single-consumer-per-job semantics; a job is claimed exactly once; worker
// heartbeats every 10s; a missed heartbeat for > 30s returns the job to the
// queue." It generalises the teacher's Redis-centric job bookkeeping
// (legal-gateway/main.go's RPUSH "ingest:jobs" / legal-gateway/worker.go's
// BLPOP + "job:status:"+id keys) into a reliable claim/lease/reclaim queue,
// since BLPOP alone gives at-most-once delivery and the heartbeat
// requirement needs the job to be recoverable after a worker dies mid-job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/telemetry"
)

const (
	pendingKey    = "retrieval:jobs"
	processingKey = "retrieval:jobs:processing"
	defaultLeaseTTL = 30 * time.Second
	statusTTL     = 24 * time.Hour

	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrNoJob is returned by Claim when no job became available before block
// elapsed.
var ErrNoJob = errors.New("no job available")

// Job is one enqueued retrieval request (Routes 3/4/5, spec §5's "Sync vs
// async dispatch" — Route 2 never touches this package, it runs
// synchronously in the gateway).
type Job struct {
	ID                string    `json:"id"`
	GroupID           string    `json:"group_id"`
	Query             string    `json:"query"`
	RoutePreference   string    `json:"route_preference,omitempty"`
	AlgorithmVersion  string    `json:"algorithm_version,omitempty"`
	CompetitiveRank   bool      `json:"competitive_rank,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Result is the JSON-friendly completion payload stored against a job
// (spec §6, GET /chat/status/{job_id}'s `result` field).
type Result struct {
	AnswerText           string            `json:"message"`
	Citations            []routes.Citation `json:"data_points"`
	Thoughts             []string          `json:"thoughts"`
	RouteUsed            string            `json:"route_used"`
	AlgorithmVersionUsed string            `json:"algorithm_version_used"`
	Confidence           float64           `json:"confidence"`
}

// Status is the GET /chat/status/{job_id} response body (spec §6).
type Status struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Thoughts  []string  `json:"thoughts,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// redisClient is the subset of *redis.Client the queue consumes, narrowed
// to an interface so tests can substitute an in-memory fake without a live
// Redis server.
type redisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Queue wraps a Redis client with the claim/lease/reclaim protocol.
type Queue struct {
	rdb      redisClient
	metrics  *telemetry.Metrics
	leaseTTL time.Duration
}

// New builds a Queue. metrics may be nil, in which case queue depth and
// claim/reclaim counters are not recorded (acceptable for tests). leaseTTL
// is the worker heartbeat timeout (spec §5, "a missed heartbeat for > 30s
// returns the job to the queue"); a zero value falls back to 30s.
func New(rdb *redis.Client, metrics *telemetry.Metrics, leaseTTL time.Duration) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &Queue{rdb: rdb, metrics: metrics, leaseTTL: leaseTTL}
}

func jobKey(id string) string    { return "retrieval:job:" + id }
func statusKey(id string) string { return "retrieval:job:status:" + id }
func leaseKey(id string) string  { return "retrieval:job:lease:" + id }
func eventsKey(id string) string { return "retrieval:job:events:" + id }

// Enqueue stores job and pushes its id onto the pending list. If job.ID is
// empty one is generated.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	encoded, err := sonic.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, jobKey(job.ID), encoded, statusTTL).Err(); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	if err := q.rdb.RPush(ctx, pendingKey, job.ID).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if err := q.setStatus(ctx, Status{JobID: job.ID, Status: StatusPending, UpdatedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("set initial status: %w", err)
	}
	if q.metrics != nil {
		if n, err := q.rdb.LLen(ctx, pendingKey).Result(); err == nil {
			q.metrics.QueueDepth.Set(float64(n))
		}
	}
	return job.ID, nil
}

// Claim atomically moves one job id from the pending list to the
// processing list and takes out a lease (spec §5, "a job is claimed exactly
// once"). block is passed straight to BLMove; 0 blocks indefinitely.
func (q *Queue) Claim(ctx context.Context, block time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	raw, err := q.rdb.Get(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed job %s: %w", id, err)
	}
	var job Job
	if err := sonic.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode claimed job %s: %w", id, err)
	}

	if err := q.rdb.Set(ctx, leaseKey(id), "1", q.leaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("lease job %s: %w", id, err)
	}
	if err := q.setStatus(ctx, Status{JobID: id, Status: StatusRunning, UpdatedAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("set running status: %w", err)
	}
	if q.metrics != nil {
		q.metrics.JobsClaimed.Inc()
	}
	return &job, nil
}

// Heartbeat refreshes a claimed job's lease. Workers call this every 10s
// while processing (spec §5); letting the lease lapse for > 30s causes a
// later ReclaimExpired pass to return the job to the pending list.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	ok, err := q.rdb.Expire(ctx, leaseKey(jobID), q.leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("heartbeat %s: lease already expired", jobID)
	}
	return nil
}

// PublishThought appends thought to the job's NDJSON progress stream (spec
// §6, /chat/stream's `context.thoughts[]`) and fans it out over Redis
// Pub/Sub for the gateway's streaming handler to forward.
func (q *Queue) PublishThought(ctx context.Context, jobID, thought string) error {
	current, err := q.Status(ctx, jobID)
	if err != nil {
		return err
	}
	current.Thoughts = append(current.Thoughts, thought)
	current.UpdatedAt = time.Now()
	if err := q.setStatus(ctx, *current); err != nil {
		return err
	}
	encoded, err := sonic.Marshal(map[string]string{"thought": thought})
	if err != nil {
		return fmt.Errorf("encode thought event: %w", err)
	}
	return q.rdb.Publish(ctx, eventsKey(jobID), encoded).Err()
}

// Complete releases a job's lease, removes it from the processing list, and
// records its final result.
func (q *Queue) Complete(ctx context.Context, jobID string, result Result) error {
	if err := q.finishLease(ctx, jobID); err != nil {
		return err
	}
	current, err := q.Status(ctx, jobID)
	if err != nil {
		current = &Status{JobID: jobID}
	}
	current.Status = StatusComplete
	current.Result = &result
	current.Thoughts = result.Thoughts
	current.UpdatedAt = time.Now()
	return q.setStatus(ctx, *current)
}

// Fail releases a job's lease and records a terminal failure (spec §7,
// "On total retrieval failure the API returns a final event with an empty
// message, non-empty thoughts, and an error context.error_kind").
func (q *Queue) Fail(ctx context.Context, jobID, errorKind, message string) error {
	if err := q.finishLease(ctx, jobID); err != nil {
		return err
	}
	current, err := q.Status(ctx, jobID)
	if err != nil {
		current = &Status{JobID: jobID}
	}
	current.Status = StatusFailed
	current.ErrorKind = errorKind
	current.Error = message
	current.UpdatedAt = time.Now()
	return q.setStatus(ctx, *current)
}

func (q *Queue) finishLease(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		return fmt.Errorf("remove %s from processing: %w", jobID, err)
	}
	if err := q.rdb.Del(ctx, leaseKey(jobID)).Err(); err != nil {
		return fmt.Errorf("clear lease for %s: %w", jobID, err)
	}
	return nil
}

// Status returns the current status record for jobID.
func (q *Queue) Status(ctx context.Context, jobID string) (*Status, error) {
	raw, err := q.rdb.Get(ctx, statusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", jobID, err)
	}
	var s Status
	if err := sonic.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", jobID, err)
	}
	return &s, nil
}

func (q *Queue) setStatus(ctx context.Context, s Status) error {
	encoded, err := sonic.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return q.rdb.Set(ctx, statusKey(s.JobID), encoded, statusTTL).Err()
}

// ReclaimExpired scans the processing list for jobs whose lease has lapsed
// and moves each one back onto the pending list (spec §5, "a missed
// heartbeat for > 30s returns the job to the queue"). It returns the number
// of jobs reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing list: %w", err)
	}
	reclaimed := 0
	for _, id := range ids {
		exists, err := q.rdb.Exists(ctx, leaseKey(id)).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("check lease for %s: %w", id, err)
		}
		if exists > 0 {
			continue
		}
		if err := q.rdb.LRem(ctx, processingKey, 1, id).Err(); err != nil {
			return reclaimed, fmt.Errorf("remove expired %s from processing: %w", id, err)
		}
		if err := q.rdb.RPush(ctx, pendingKey, id).Err(); err != nil {
			return reclaimed, fmt.Errorf("requeue expired %s: %w", id, err)
		}
		if err := q.setStatus(ctx, Status{JobID: id, Status: StatusPending, UpdatedAt: time.Now()}); err != nil {
			return reclaimed, fmt.Errorf("reset status for %s: %w", id, err)
		}
		reclaimed++
		if q.metrics != nil {
			q.metrics.JobsReclaimed.Inc()
		}
	}
	return reclaimed, nil
}

// RunReclaimLoop runs ReclaimExpired on interval until ctx is done. Intended
// to run once per worker-pool process alongside the workers themselves.
func (q *Queue) RunReclaimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ReclaimExpired(ctx)
		}
	}
}
