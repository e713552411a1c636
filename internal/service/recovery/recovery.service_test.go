package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueuedJob struct {
	payload []byte
	opts    queue.Options
}

type fakeQueue struct {
	enqueued       []enqueuedJob
	jobs           map[string]*queue.Job
	cancelled      map[string]bool
	progress       map[string]float64
	counts         queue.Counts
	running        bool
	removeResult   bool
	processor      queue.Processor
	failureHandler queue.FailureHandler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:      make(map[string]*queue.Job),
		cancelled: make(map[string]bool),
		progress:  make(map[string]float64),
		running:   true,
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, payload []byte, opts queue.Options) (string, error) {
	q.enqueued = append(q.enqueued, enqueuedJob{payload: payload, opts: opts})
	return fmt.Sprintf("job-%d", len(q.enqueued)), nil
}

func (q *fakeQueue) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	return q.jobs[jobID], nil
}

func (q *fakeQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	return q.removeResult, nil
}

func (q *fakeQueue) Cancelled(ctx context.Context, jobID string) bool {
	return q.cancelled[jobID]
}

func (q *fakeQueue) SetProgress(ctx context.Context, jobID string, progress float64) error {
	q.progress[jobID] = progress
	return nil
}

func (q *fakeQueue) Counts(ctx context.Context) (queue.Counts, error) {
	return q.counts, nil
}

func (q *fakeQueue) RegisterProcessor(processor queue.Processor) {
	q.processor = processor
}

func (q *fakeQueue) RegisterFailureHandler(handler queue.FailureHandler) {
	q.failureHandler = handler
}

func (q *fakeQueue) Start(ctx context.Context) error { return nil }
func (q *fakeQueue) Stop()                           {}
func (q *fakeQueue) Running() bool                   { return q.running }

type fakeCache struct {
	points     []entity.TickPoint
	err        error
	gotSymbols []string
	gotSince   int64
	gotMax     int
}

func (c *fakeCache) GetDataSince(ctx context.Context, symbols []string, sinceMs int64, maxPoints int) ([]entity.TickPoint, error) {
	c.gotSymbols = symbols
	c.gotSince = sinceMs
	c.gotMax = maxPoints
	return c.points, c.err
}

type fakeLimiter struct {
	allow  bool
	hits   int64
	misses int64
}

func (l *fakeLimiter) Allow(provider string) bool {
	if l.allow {
		l.hits++
	} else {
		l.misses++
	}
	return l.allow
}

func (l *fakeLimiter) Counters() (int64, int64) {
	return l.hits, l.misses
}

type fakeDirectory struct {
	subs    map[string]*entity.ClientSubscription
	touched []string
}

func (d *fakeDirectory) GetSubscription(clientID string) *entity.ClientSubscription {
	return d.subs[clientID]
}

func (d *fakeDirectory) Touch(clientID string) {
	d.touched = append(d.touched, clientID)
}

type fakeUpstream struct {
	active bool
}

func (u *fakeUpstream) IsConnectionActive(provider string) bool { return u.active }
func (u *fakeUpstream) BatchHealthCheck() map[string]bool       { return nil }

type fakeAuditStore struct {
	audits    []*entity.RecoveryAudit
	byJobID   map[string]*entity.RecoveryAudit
	recent    []entity.RecoveryAudit
	gotStates []string
	gotLimit  uint64
}

func (s *fakeAuditStore) Create(ctx context.Context, audit *entity.RecoveryAudit) error {
	s.audits = append(s.audits, audit)
	return nil
}

func (s *fakeAuditStore) GetByJobID(ctx context.Context, jobID string) (*entity.RecoveryAudit, error) {
	audit, ok := s.byJobID[jobID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return audit, nil
}

func (s *fakeAuditStore) GetRecent(ctx context.Context, states []string, limit uint64) ([]entity.RecoveryAudit, error) {
	s.gotStates = states
	s.gotLimit = limit
	return s.recent, nil
}

type testDeps struct {
	queue    *fakeQueue
	cache    *fakeCache
	limiter  *fakeLimiter
	registry *fakeDirectory
	upstream *fakeUpstream
	audits   *fakeAuditStore
}

func newTestService(cfg config.RecoveryConfig, opts ...Option) (*Service, *testDeps) {
	deps := &testDeps{
		queue:    newFakeQueue(),
		cache:    &fakeCache{},
		limiter:  &fakeLimiter{allow: true},
		registry: &fakeDirectory{subs: make(map[string]*entity.ClientSubscription)},
		upstream: &fakeUpstream{active: true},
		audits:   &fakeAuditStore{byJobID: make(map[string]*entity.RecoveryAudit)},
	}

	opts = append(opts, WithAuditStore(deps.audits))
	svc := NewService(cfg, deps.queue, deps.cache, deps.limiter, deps.registry, deps.upstream, opts...)

	return svc, deps
}

func connectClient(deps *testDeps, clientID string, delivered *[]any) {
	deps.registry.subs[clientID] = &entity.ClientSubscription{
		ClientID: clientID,
		Deliver: func(payload any) error {
			*delivered = append(*delivered, payload)
			return nil
		},
	}
}

func validJob(clientID string) entity.RecoveryJob {
	return entity.RecoveryJob{
		ClientID:             clientID,
		Symbols:              []string{"AAPL.US"},
		LastReceiveTimestamp: time.Now().Add(-time.Minute).UnixMilli(),
		Provider:             "alpaca",
		Capability:           "tick",
	}
}

func queuedJob(t *testing.T, job entity.RecoveryJob) *queue.Job {
	t.Helper()

	payload, err := json.Marshal(job)
	require.NoError(t, err)

	return &queue.Job{ID: "job-1", Payload: payload}
}

func tickPoints(n int) []entity.TickPoint {
	points := make([]entity.TickPoint, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, entity.TickPoint{
			Symbol:    "AAPL.US",
			Timestamp: int64(i + 1),
		})
	}
	return points
}

func TestSubmitValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	_, err := svc.Submit(ctx, entity.RecoveryJob{Symbols: []string{"AAPL.US"}, LastReceiveTimestamp: 1})
	assert.ErrorIs(err, ErrMissingClientID)

	job := validJob("client-1")
	job.Symbols = nil
	_, err = svc.Submit(ctx, job)
	assert.ErrorIs(err, ErrNoSymbols)

	job = validJob("client-1")
	job.LastReceiveTimestamp = 0
	_, err = svc.Submit(ctx, job)
	assert.ErrorIs(err, ErrInvalidTimestamp)

	job = validJob("client-1")
	job.LastReceiveTimestamp = time.Now().Add(time.Hour).UnixMilli()
	_, err = svc.Submit(ctx, job)
	assert.ErrorIs(err, ErrInvalidTimestamp)

	assert.Empty(deps.queue.enqueued)
}

func TestSubmitDefaultsPriority(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	jobID, err := svc.Submit(ctx, validJob("client-1"))
	require.NoError(t, err)
	assert.Equal("job-1", jobID)

	var queued entity.RecoveryJob
	require.NoError(t, json.Unmarshal(deps.queue.enqueued[0].payload, &queued))
	assert.Equal(constant.PriorityNormal, queued.Priority)
}

func TestSubmitPriorityWeight(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	high := validJob("client-1")
	high.Priority = constant.PriorityHigh
	_, err := svc.Submit(ctx, high)
	require.NoError(t, err)

	low := validJob("client-2")
	low.Priority = constant.PriorityLow
	_, err = svc.Submit(ctx, low)
	require.NoError(t, err)

	assert.EqualValues(2000, deps.queue.enqueued[0].opts.Weight)
	assert.EqualValues(0, deps.queue.enqueued[1].opts.Weight)
}

func TestSubmitDelaysWhenUpstreamInactive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})
	deps.upstream.active = false

	_, err := svc.Submit(ctx, validJob("client-1"))
	require.NoError(t, err)

	assert.GreaterOrEqual(deps.queue.enqueued[0].opts.Delay, upstreamInactiveDelay)
}

func TestSubmitBatchSkipsInvalid(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	jobIDs := svc.SubmitBatch(ctx, []entity.RecoveryJob{
		validJob("client-1"),
		{Symbols: []string{"AAPL.US"}, LastReceiveTimestamp: 1},
		validJob("client-2"),
	})

	assert.Len(jobIDs, 2)
	assert.Len(deps.queue.enqueued, 2)
}

func TestScheduleRejectsExpiredBacklog(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{MaxRecoveryWindow: time.Hour})

	job := validJob("client-1")
	job.LastReceiveTimestamp = time.Now().Add(-2 * time.Hour).UnixMilli()

	_, err := svc.Schedule(ctx, job)
	assert.ErrorIs(err, ErrWindowExceeded)
	assert.Empty(deps.queue.enqueued)
}

func TestScheduleDelaysLargeBacklog(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{MaxRecoveryWindow: 24 * time.Hour})

	small := validJob("client-1")
	_, err := svc.Schedule(ctx, small)
	require.NoError(t, err)

	large := validJob("client-2")
	large.LastReceiveTimestamp = time.Now().Add(-20 * time.Minute).UnixMilli()
	_, err = svc.Schedule(ctx, large)
	require.NoError(t, err)

	assert.Greater(deps.queue.enqueued[1].opts.Delay, deps.queue.enqueued[0].opts.Delay)
	assert.LessOrEqual(deps.queue.enqueued[1].opts.Delay, maxBacklogDelay)
}

func TestProcessJobDelivery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, deps := newTestService(config.RecoveryConfig{BatchSize: 2})
	deps.cache.points = tickPoints(5)

	var delivered []any
	connectClient(deps, "client-1", &delivered)

	err := deps.queue.processor(ctx, queuedJob(t, validJob("client-1")))
	require.NoError(t, err)

	// 3 batches of [2,2,1] plus the completion notice
	require.Len(t, delivered, 4)

	first := delivered[0].(entity.RecoveryBatchMessage)
	assert.Equal(entity.MessageTypeRecovery, first.Type)
	assert.Len(first.Data, 2)
	assert.Equal(1, first.Metadata.RecoveryBatch)
	assert.Equal(3, first.Metadata.TotalBatches)
	assert.False(first.Metadata.IsLastBatch)

	last := delivered[2].(entity.RecoveryBatchMessage)
	assert.True(last.Metadata.IsLastBatch)
	assert.Equal(1, last.Metadata.DataPointsCount)

	complete := delivered[3].(entity.RecoveryCompleteMessage)
	assert.Equal(entity.MessageTypeRecoveryComplete, complete.Type)
	assert.Equal(5, complete.TotalDataPoints)
	assert.Equal(3, complete.TotalBatches)

	assert.EqualValues(100, deps.queue.progress["job-1"])
	assert.Contains(deps.registry.touched, "client-1")

	require.Len(t, deps.audits.audits, 1)
	assert.Equal(constant.JobStateCompleted, deps.audits.audits[0].State)
	assert.EqualValues(5, deps.audits.audits[0].DataPoints)
}

func TestProcessJobRateLimited(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, deps := newTestService(config.RecoveryConfig{})
	deps.limiter.allow = false

	var delivered []any
	connectClient(deps, "client-1", &delivered)

	err := deps.queue.processor(ctx, queuedJob(t, validJob("client-1")))
	assert.ErrorIs(err, queue.ErrRetryLater)
	assert.Empty(delivered)
}

func TestProcessJobClientGone(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, deps := newTestService(config.RecoveryConfig{})

	err := deps.queue.processor(ctx, queuedJob(t, validJob("ghost")))

	var terminal *queue.TerminalError
	assert.ErrorAs(err, &terminal)
	assert.Equal("client disconnected", terminal.Reason)
}

func TestProcessJobCancelledMidway(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, deps := newTestService(config.RecoveryConfig{BatchSize: 1})
	deps.cache.points = tickPoints(3)
	deps.queue.cancelled["job-1"] = true

	var delivered []any
	connectClient(deps, "client-1", &delivered)

	err := deps.queue.processor(ctx, queuedJob(t, validJob("client-1")))
	assert.ErrorIs(err, queue.ErrCancelled)
	assert.Empty(delivered)
}

func TestProcessJobClampsWindow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, deps := newTestService(config.RecoveryConfig{MaxRecoveryWindow: time.Hour})

	var delivered []any
	connectClient(deps, "client-1", &delivered)

	job := validJob("client-1")
	job.LastReceiveTimestamp = time.Now().Add(-48 * time.Hour).UnixMilli()

	err := deps.queue.processor(ctx, queuedJob(t, job))
	require.NoError(t, err)

	earliest := time.Now().Add(-61 * time.Minute).UnixMilli()
	assert.Greater(deps.cache.gotSince, earliest, "replay range must be clamped to the recovery window")
}

func TestOnJobFailedNotice(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, deps := newTestService(config.RecoveryConfig{})

	var delivered []any
	connectClient(deps, "client-1", &delivered)

	deps.queue.failureHandler(ctx, queuedJob(t, validJob("client-1")), "upstream unavailable")

	require.Len(t, delivered, 1)
	notice := delivered[0].(entity.RecoveryFailedMessage)
	assert.Equal(entity.MessageTypeRecoveryFailed, notice.Type)
	assert.Equal("resubscribe", notice.Action)
	assert.Equal([]string{"AAPL.US"}, notice.Symbols)

	require.Len(t, deps.audits.audits, 1)
	assert.Equal(constant.JobStateFailed, deps.audits.audits[0].State)
	assert.Equal("upstream unavailable", deps.audits.audits[0].FailedReason.String)
}

func TestCancel(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	deps.queue.removeResult = true
	assert.NoError(svc.Cancel(ctx, "job-1"))

	deps.queue.removeResult = false
	assert.ErrorIs(svc.Cancel(ctx, "job-1"), ErrJobNotFound)
}

func TestStatus(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	payload, err := json.Marshal(validJob("client-1"))
	require.NoError(t, err)
	deps.queue.jobs["job-1"] = &queue.Job{
		ID:       "job-1",
		Payload:  payload,
		State:    constant.JobStateActive,
		Progress: 50,
		Attempts: 1,
	}

	status, err := svc.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal("client-1", status.Data.ClientID)
	assert.Equal(constant.JobStateActive, status.State)
	assert.EqualValues(50, status.Progress)
	assert.Equal(1, status.AttemptsMade)

	_, err = svc.Status(ctx, "ghost")
	assert.ErrorIs(err, ErrJobNotFound)
}

func TestStatusFallsBackToAudit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})

	// the queue no longer has the record, only the audit trail does
	deps.audits.byJobID["job-9"] = &entity.RecoveryAudit{
		JobID:    "job-9",
		ClientID: "client-1",
		Symbols:  "AAPL.US,MSFT.US",
		Provider: "alpaca",
		State:    constant.JobStateCompleted,
		Attempts: 1,
	}

	status, err := svc.Status(ctx, "job-9")
	require.NoError(t, err)
	assert.Equal("job-9", status.ID)
	assert.Equal("client-1", status.Data.ClientID)
	assert.Equal([]string{"AAPL.US", "MSFT.US"}, status.Data.Symbols)
	assert.Equal(constant.JobStateCompleted, status.State)
	assert.EqualValues(100, status.Progress)
}

func TestAuditTrail(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})
	deps.audits.recent = []entity.RecoveryAudit{{JobID: "job-1"}, {JobID: "job-2"}}

	audits, err := svc.AuditTrail(ctx, []string{constant.JobStateFailed}, 10)
	require.NoError(t, err)
	assert.Len(audits, 2)
	assert.Equal([]string{constant.JobStateFailed}, deps.audits.gotStates)
	assert.EqualValues(10, deps.audits.gotLimit)
}

func TestMetrics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{})
	deps.queue.counts = queue.Counts{Waiting: 2, Delayed: 1, Active: 1, Completed: 5, Failed: 1}
	deps.limiter.hits = 7
	deps.limiter.misses = 3

	svc.metrics.completed(time.Now(), 200*time.Millisecond)
	svc.metrics.completed(time.Now(), 400*time.Millisecond)

	metrics, err := svc.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(10, metrics.TotalJobs)
	assert.EqualValues(3, metrics.PendingJobs)
	assert.EqualValues(1, metrics.ActiveJobs)
	assert.EqualValues(5, metrics.CompletedJobs)
	assert.EqualValues(1, metrics.FailedJobs)
	assert.EqualValues(7, metrics.RateLimitHits)
	assert.EqualValues(3, metrics.RateLimitMisses)
	assert.InDelta(300, metrics.AverageRecoveryTime, 0.01)
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	svc, deps := newTestService(config.RecoveryConfig{DegradedThreshold: 5, UnhealthyThreshold: 20})

	health := svc.HealthCheck(ctx)
	assert.Equal(constant.HealthStatusHealthy, health.Status)
	assert.True(health.Running)

	deps.queue.counts.Failed = 6
	health = svc.HealthCheck(ctx)
	assert.Equal(constant.HealthStatusDegraded, health.Status)

	deps.queue.counts.Failed = 25
	health = svc.HealthCheck(ctx)
	assert.Equal(constant.HealthStatusUnhealthy, health.Status)

	deps.queue.counts.Failed = 0
	deps.queue.running = false
	health = svc.HealthCheck(ctx)
	assert.Equal(constant.HealthStatusUnhealthy, health.Status)
}
