package queue

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultKeyPrefix          = "recovery"
	defaultConcurrency        = 4
	defaultMaxRetries         = 3
	defaultBackoffBase        = 1 * time.Second
	defaultBackoffMax         = 30 * time.Second
	defaultPollInterval       = 250 * time.Millisecond
	defaultJobTimeout         = 30 * time.Second
	defaultCompletedRetention = 1000
	defaultFailedRetention    = 5000
)

// claimScript atomically moves the highest-priority ready job from the
// waiting set into the active set, so exactly one worker owns it.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
    return ''
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

type Config struct {
	KeyPrefix          string
	Concurrency        int
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	PollInterval       time.Duration
	JobTimeout         time.Duration
	CompletedRetention int
	FailedRetention    int
}

// RedisQueue is a durable priority job queue. Job records live in redis
// hashes keyed by id, ordering lives in a waiting sorted set whose score is
// readyAt minus the priority weight, so heavier jobs are admitted first and
// delayed jobs become claimable once their score passes the clock.
type RedisQueue struct {
	client         *redis.Client
	cfg            Config
	processor      Processor
	failureHandler FailureHandler
	running        atomic.Bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	now            func() time.Time
}

func NewRedisQueue(client *redis.Client, cfg Config) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = defaultCompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = defaultFailedRetention
	}

	return &RedisQueue{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.cfg.KeyPrefix + ":job:" + jobID
}

func (q *RedisQueue) waitingKey() string {
	return q.cfg.KeyPrefix + ":waiting"
}

func (q *RedisQueue) activeKey() string {
	return q.cfg.KeyPrefix + ":active"
}

func (q *RedisQueue) completedKey() string {
	return q.cfg.KeyPrefix + ":completed"
}

func (q *RedisQueue) failedKey() string {
	return q.cfg.KeyPrefix + ":failed"
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte, opts Options) (string, error) {
	jobID := uuid.NewString()
	now := q.now().UnixMilli()
	score := now + opts.Delay.Milliseconds() - opts.Weight

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"payload":     string(payload),
		"weight":      opts.Weight,
		"attempts":    0,
		"state":       constant.JobStateWaiting,
		"progress":    0,
		"enqueued_at": now,
	})
	pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: float64(score), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	return jobID, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := jobFromFields(jobID, fields)

	// Jobs sitting in the waiting set with a future score are delayed.
	if job.State == constant.JobStateWaiting {
		score, err := q.client.ZScore(ctx, q.waitingKey(), jobID).Result()
		if err == nil && score > float64(q.now().UnixMilli()) {
			job.State = constant.JobStateDelayed
		}
	}

	return job, nil
}

// Remove drops a waiting job entirely, or flags an active one as cancelled so
// the worker aborts after its current batch. Returns false for unknown jobs.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.waitingKey(), jobID).Result()
	if err != nil {
		return false, err
	}
	if removed > 0 {
		if err := q.client.Del(ctx, q.jobKey(jobID)).Err(); err != nil {
			return true, err
		}
		return true, nil
	}

	_, err = q.client.ZScore(ctx, q.activeKey(), jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	if err := q.client.HSet(ctx, q.jobKey(jobID), "cancelled", 1).Err(); err != nil {
		return false, err
	}

	return true, nil
}

func (q *RedisQueue) Cancelled(ctx context.Context, jobID string) bool {
	value, err := q.client.HGet(ctx, q.jobKey(jobID), "cancelled").Result()
	if err != nil {
		return false
	}

	return value == "1"
}

func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, progress float64) error {
	return q.client.HSet(ctx, q.jobKey(jobID), "progress", progress).Err()
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCount(ctx, q.waitingKey(), "-inf", now)
	delayed := pipe.ZCount(ctx, q.waitingKey(), "("+now, "+inf")
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.LLen(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}

	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQueue) RegisterProcessor(processor Processor) {
	q.processor = processor
}

func (q *RedisQueue) RegisterFailureHandler(handler FailureHandler) {
	q.failureHandler = handler
}

func (q *RedisQueue) Start(ctx context.Context) error {
	if q.processor == nil {
		return ErrNoProcessor
	}
	if q.running.Load() {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running.Store(true)

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.runWorker(workerCtx, i)
	}

	logrus.WithFields(logrus.Fields{
		"concurrency": q.cfg.Concurrency,
		"key_prefix":  q.cfg.KeyPrefix,
	}).Info("recovery queue workers started")

	return nil
}

func (q *RedisQueue) Stop() {
	if !q.running.Load() {
		return
	}

	q.cancel()
	q.wg.Wait()
	q.running.Store(false)

	logrus.Info("recovery queue workers stopped")
}

func (q *RedisQueue) Running() bool {
	return q.running.Load()
}

func (q *RedisQueue) runWorker(ctx context.Context, workerID int) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		jobID, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithField("worker_id", workerID).WithError(err).Error("failed to claim job")
		}

		if jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(ctx, jobID)
	}
}

func (q *RedisQueue) claim(ctx context.Context) (string, error) {
	now := q.now().UnixMilli()
	result, err := claimScript.Run(ctx, q.client,
		[]string{q.waitingKey(), q.activeKey()},
		now, now,
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}

	return result, nil
}

func (q *RedisQueue) process(ctx context.Context, jobID string) {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		logrus.WithField("job_id", jobID).WithError(err).Error("failed to load claimed job")
		return
	}
	if job == nil {
		// Record vanished between claim and load, e.g. cancelled.
		_ = q.client.ZRem(ctx, q.activeKey(), jobID).Err()
		return
	}

	_ = q.client.HSet(ctx, q.jobKey(jobID), "state", constant.JobStateActive).Err()
	job.State = constant.JobStateActive

	jobCtx, cancel := context.WithTimeout(ContextWithJobID(ctx, jobID), q.cfg.JobTimeout)
	processErr := q.runProcessor(jobCtx, job)
	cancel()

	switch {
	case processErr == nil:
		q.markCompleted(ctx, job)
	case errors.Is(processErr, ErrCancelled):
		q.discard(ctx, job)
	case errors.Is(processErr, ErrRetryLater):
		q.reschedule(ctx, job, q.cfg.BackoffBase, false)
	default:
		var terminal *TerminalError
		if errors.As(processErr, &terminal) {
			q.markFailed(ctx, job, terminal.Reason)
			return
		}

		job.Attempts++
		_ = q.client.HSet(ctx, q.jobKey(job.ID), "attempts", job.Attempts).Err()
		if job.Attempts >= q.cfg.MaxRetries {
			q.markFailed(ctx, job, processErr.Error())
			return
		}

		logrus.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"attempts": job.Attempts,
		}).WithError(processErr).Warn("job failed, scheduling retry")
		q.reschedule(ctx, job, q.backoff(job.Attempts), true)
	}
}

func (q *RedisQueue) runProcessor(ctx context.Context, job *Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  recovered,
			}).Error("panic recovered in job processor")
			err = Terminal("processor panic")
		}
	}()

	return q.processor(ctx, job)
}

func (q *RedisQueue) reschedule(ctx context.Context, job *Job, delay time.Duration, counted bool) {
	score := q.now().UnixMilli() + delay.Milliseconds() - job.Weight

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: float64(score), Member: job.ID})
	pipe.HSet(ctx, q.jobKey(job.ID), "state", constant.JobStateWaiting)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed to reschedule job")
	}

	if !counted {
		logrus.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"retry_in": delay.String(),
		}).Debug("job deferred without consuming an attempt")
	}
}

func (q *RedisQueue) markCompleted(ctx context.Context, job *Job) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"state":    constant.JobStateCompleted,
		"progress": 100,
	})
	pipe.LPush(ctx, q.completedKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed to mark job completed")
		return
	}

	q.trimTerminal(ctx, q.completedKey(), q.cfg.CompletedRetention)
}

func (q *RedisQueue) markFailed(ctx context.Context, job *Job, reason string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"state":         constant.JobStateFailed,
		"failed_reason": reason,
	})
	pipe.LPush(ctx, q.failedKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed to mark job failed")
		return
	}

	q.trimTerminal(ctx, q.failedKey(), q.cfg.FailedRetention)

	job.State = constant.JobStateFailed
	job.FailedReason = reason

	if q.failureHandler != nil {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					logrus.WithFields(logrus.Fields{
						"job_id": job.ID,
						"panic":  recovered,
					}).Error("panic recovered in failure handler")
				}
			}()
			q.failureHandler(ctx, job, reason)
		}()
	}
}

func (q *RedisQueue) discard(ctx context.Context, job *Job) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed to discard cancelled job")
	}
}

// trimTerminal keeps the terminal lists bounded and purges the hashes of
// evicted job records.
func (q *RedisQueue) trimTerminal(ctx context.Context, key string, retention int) {
	length, err := q.client.LLen(ctx, key).Result()
	if err != nil || length <= int64(retention) {
		return
	}

	evicted, err := q.client.RPopCount(ctx, key, int(length-int64(retention))).Result()
	if err != nil {
		return
	}

	for _, jobID := range evicted {
		_ = q.client.Del(ctx, q.jobKey(jobID)).Err()
	}
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return jobFromFields(jobID, fields), nil
}

func (q *RedisQueue) backoff(attempt int) time.Duration {
	backoff := float64(q.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if backoff > float64(q.cfg.BackoffMax) {
		return q.cfg.BackoffMax
	}

	return time.Duration(backoff)
}

func jobFromFields(jobID string, fields map[string]string) *Job {
	weight, _ := strconv.ParseInt(fields["weight"], 10, 64)
	attempts, _ := strconv.Atoi(fields["attempts"])
	progress, _ := strconv.ParseFloat(fields["progress"], 64)
	enqueuedAt, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)

	return &Job{
		ID:           jobID,
		Payload:      []byte(fields["payload"]),
		Weight:       weight,
		Attempts:     attempts,
		State:        fields["state"],
		Progress:     progress,
		FailedReason: fields["failed_reason"],
		EnqueuedAt:   enqueuedAt,
	}
}
