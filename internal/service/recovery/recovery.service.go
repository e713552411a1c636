package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/queue"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingClientID  = errors.New("client id is required")
	ErrNoSymbols        = errors.New("at least one symbol is required")
	ErrInvalidTimestamp = errors.New("last receive timestamp must be a past epoch ms value")
	ErrWindowExceeded   = errors.New("last receive timestamp is outside the recovery window")
	ErrJobNotFound      = errors.New("recovery job not found")
)

const (
	defaultBatchSize         = 100
	defaultMaxRecoveryWindow = 24 * time.Hour
	defaultMaxDataPoints     = 10000

	// Applied on top of the policy delay when the provider connection looks
	// down, so the job lands after the upstream has had a chance to recover.
	upstreamInactiveDelay = 5 * time.Second

	maxBacklogDelay = 30 * time.Second
)

// TickSource replays cached data points for a symbol set.
type TickSource interface {
	GetDataSince(ctx context.Context, symbols []string, sinceMs int64, maxPoints int) ([]entity.TickPoint, error)
}

// AdmissionGate guards upstream query capacity per provider.
type AdmissionGate interface {
	Allow(provider string) bool
	Counters() (hits, misses int64)
}

// SubscriberDirectory resolves live client subscriptions for delivery.
type SubscriberDirectory interface {
	GetSubscription(clientID string) *entity.ClientSubscription
	Touch(clientID string)
}

// UpstreamHealth reports provider connection liveness.
type UpstreamHealth interface {
	IsConnectionActive(provider string) bool
	BatchHealthCheck() map[string]bool
}

// AuditStore persists a trail of finished recovery jobs and serves them back
// after the queue's retention has trimmed the live record. Optional.
type AuditStore interface {
	Create(ctx context.Context, audit *entity.RecoveryAudit) error
	GetByJobID(ctx context.Context, jobID string) (*entity.RecoveryAudit, error)
	GetRecent(ctx context.Context, states []string, limit uint64) ([]entity.RecoveryAudit, error)
}

// WeightPolicy maps a job's priority and backlog age onto queue admission
// weight and an optional scheduling delay.
type WeightPolicy func(priority string, backlog time.Duration) (weight int64, delay time.Duration)

// Service orchestrates data recovery: it validates and schedules jobs, drives
// the queue processor that replays cached ticks to reconnecting clients, and
// reports metrics and health for the whole pipeline.
type Service struct {
	cfg      config.RecoveryConfig
	queue    queue.Queue
	cache    TickSource
	limiter  AdmissionGate
	registry SubscriberDirectory
	upstream UpstreamHealth
	audits   AuditStore
	policy   WeightPolicy
	metrics  *metricsTracker
	now      func() time.Time
}

type Option func(*Service)

// WithWeightPolicy replaces the default priority-to-weight mapping.
func WithWeightPolicy(policy WeightPolicy) Option {
	return func(s *Service) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// WithAuditStore enables the persistent recovery audit trail.
func WithAuditStore(store AuditStore) Option {
	return func(s *Service) {
		s.audits = store
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(
	cfg config.RecoveryConfig,
	jobQueue queue.Queue,
	cache TickSource,
	limiter AdmissionGate,
	registry SubscriberDirectory,
	upstream UpstreamHealth,
	opts ...Option,
) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRecoveryWindow <= 0 {
		cfg.MaxRecoveryWindow = defaultMaxRecoveryWindow
	}
	if cfg.MaxDataPoints <= 0 {
		cfg.MaxDataPoints = defaultMaxDataPoints
	}

	svc := &Service{
		cfg:      cfg,
		queue:    jobQueue,
		cache:    cache,
		limiter:  limiter,
		registry: registry,
		upstream: upstream,
		metrics:  newMetricsTracker(cfg.QPSWindow),
		now:      time.Now,
	}
	svc.policy = svc.defaultWeightPolicy

	for _, opt := range opts {
		opt(svc)
	}

	jobQueue.RegisterProcessor(svc.processJob)
	jobQueue.RegisterFailureHandler(svc.onJobFailed)

	return svc
}

// Start launches the queue workers.
func (s *Service) Start(ctx context.Context) error {
	return s.queue.Start(ctx)
}

func (s *Service) Stop() {
	s.queue.Stop()
}

// Submit validates and enqueues one recovery job, returning its id.
func (s *Service) Submit(ctx context.Context, job entity.RecoveryJob) (string, error) {
	if err := s.validate(&job); err != nil {
		return "", err
	}

	return s.enqueue(ctx, job, 0)
}

// Schedule is submit plus admission control: a backlog older than the
// recovery window is rejected outright, and larger backlogs receive a
// proportionally larger delay so mass reconnects do not land all at once.
func (s *Service) Schedule(ctx context.Context, job entity.RecoveryJob) (string, error) {
	if err := s.validate(&job); err != nil {
		return "", err
	}

	backlog := time.Duration(s.now().UnixMilli()-job.LastReceiveTimestamp) * time.Millisecond
	if backlog > s.cfg.MaxRecoveryWindow {
		return "", ErrWindowExceeded
	}

	return s.enqueue(ctx, job, backlog)
}

func (s *Service) enqueue(ctx context.Context, job entity.RecoveryJob, backlog time.Duration) (string, error) {
	weight, delay := s.policy(job.Priority, backlog)

	if s.upstream != nil && !s.upstream.IsConnectionActive(job.Provider) {
		delay += upstreamInactiveDelay
		logrus.WithFields(logrus.Fields{
			"client_id": job.ClientID,
			"provider":  job.Provider,
		}).Warn("provider connection inactive, delaying recovery job")
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal recovery job: %w", err)
	}

	jobID, err := s.queue.Enqueue(ctx, payload, queue.Options{Weight: weight, Delay: delay})
	if err != nil {
		return "", fmt.Errorf("enqueue recovery job: %w", err)
	}

	s.metrics.submitted()

	logrus.WithFields(logrus.Fields{
		"job_id":    jobID,
		"client_id": job.ClientID,
		"symbols":   len(job.Symbols),
		"priority":  job.Priority,
		"delay":     delay.String(),
	}).Info("recovery job scheduled")

	return jobID, nil
}

// SubmitBatch enqueues every valid job. An invalid or unenqueueable job is
// logged with its client id and skipped; the batch itself never fails, so the
// returned ids may be fewer than the jobs given.
func (s *Service) SubmitBatch(ctx context.Context, jobs []entity.RecoveryJob) []string {
	jobIDs := make([]string, 0, len(jobs))

	for _, job := range jobs {
		jobID, err := s.Submit(ctx, job)
		if err != nil {
			logrus.WithField("client_id", job.ClientID).WithError(err).Warn("skipping recovery job in batch")
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}

	return jobIDs
}

// Cancel removes a waiting job or flags an in-flight one for abort.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	removed, err := s.queue.Remove(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrJobNotFound
	}

	logrus.WithField("job_id", jobID).Info("recovery job cancelled")

	return nil
}

// Status returns the job record with its decoded payload. Jobs already
// trimmed from the queue are served from the audit trail.
func (s *Service) Status(ctx context.Context, jobID string) (*entity.RecoveryJobStatus, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return s.statusFromAudit(ctx, jobID)
	}

	status := &entity.RecoveryJobStatus{
		ID:           job.ID,
		Progress:     job.Progress,
		AttemptsMade: job.Attempts,
		State:        job.State,
		FailedReason: job.FailedReason,
	}
	if err := json.Unmarshal(job.Payload, &status.Data); err != nil {
		return nil, fmt.Errorf("decode recovery job payload: %w", err)
	}

	return status, nil
}

func (s *Service) statusFromAudit(ctx context.Context, jobID string) (*entity.RecoveryJobStatus, error) {
	if s.audits == nil {
		return nil, ErrJobNotFound
	}

	audit, err := s.audits.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	status := &entity.RecoveryJobStatus{
		ID:           audit.JobID,
		State:        audit.State,
		AttemptsMade: audit.Attempts,
		FailedReason: audit.FailedReason.String,
		Data: entity.RecoveryJob{
			ClientID:   audit.ClientID,
			Symbols:    strings.Split(audit.Symbols, ","),
			Provider:   audit.Provider,
			Capability: audit.Capability,
			Priority:   audit.Priority,
		},
	}
	if audit.State == constant.JobStateCompleted {
		status.Progress = 100
	}

	return status, nil
}

// AuditTrail lists recently finished jobs, optionally filtered by state.
func (s *Service) AuditTrail(ctx context.Context, states []string, limit uint64) ([]entity.RecoveryAudit, error) {
	if s.audits == nil {
		return []entity.RecoveryAudit{}, nil
	}

	return s.audits.GetRecent(ctx, states, limit)
}

// Metrics merges queue counts with limiter and completion counters.
func (s *Service) Metrics(ctx context.Context) (entity.RecoveryMetrics, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return entity.RecoveryMetrics{}, err
	}

	hits, misses := s.limiter.Counters()

	metrics := entity.RecoveryMetrics{
		TotalJobs:           counts.Waiting + counts.Delayed + counts.Active + counts.Completed + counts.Failed,
		PendingJobs:         counts.Waiting + counts.Delayed,
		ActiveJobs:          counts.Active,
		CompletedJobs:       counts.Completed,
		FailedJobs:          counts.Failed,
		AverageRecoveryTime: s.metrics.averageRecoveryMs(),
		QPS:                 s.metrics.qps(s.now()),
		RateLimitHits:       hits,
		RateLimitMisses:     misses,
	}

	return metrics, nil
}

// HealthCheck grades the subsystem from worker state and the failed backlog.
func (s *Service) HealthCheck(ctx context.Context) entity.RecoveryHealth {
	health := entity.RecoveryHealth{
		Status:  constant.HealthStatusHealthy,
		Running: s.queue.Running(),
	}

	counts, err := s.queue.Counts(ctx)
	if err != nil {
		logrus.WithError(err).Error("failed to read queue counts for health check")
		health.Status = constant.HealthStatusUnhealthy
		return health
	}
	health.FailedJobs = counts.Failed

	degraded := s.cfg.DegradedThreshold
	if degraded <= 0 {
		degraded = 10
	}
	unhealthy := s.cfg.UnhealthyThreshold
	if unhealthy <= 0 {
		unhealthy = 50
	}

	switch {
	case !health.Running || counts.Failed >= unhealthy:
		health.Status = constant.HealthStatusUnhealthy
	case counts.Failed >= degraded:
		health.Status = constant.HealthStatusDegraded
	}

	return health
}

// processJob replays cached ticks to the reconnecting client in ordered
// batches. The rate limiter gates the cache query: a denial defers the job
// without burning a retry attempt.
func (s *Service) processJob(ctx context.Context, job *queue.Job) error {
	var request entity.RecoveryJob
	if err := json.Unmarshal(job.Payload, &request); err != nil {
		return queue.Terminal(fmt.Sprintf("undecodable job payload: %v", err))
	}

	logger := logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"client_id": request.ClientID,
		"provider":  request.Provider,
	})

	if !s.limiter.Allow(request.Provider) {
		logger.Debug("rate limit exceeded, deferring recovery job")
		return queue.ErrRetryLater
	}

	sub := s.registry.GetSubscription(request.ClientID)
	if sub == nil || sub.Deliver == nil {
		return queue.Terminal("client disconnected")
	}

	started := s.now()
	sinceMs := s.clampWindow(request.LastReceiveTimestamp)

	points, err := s.cache.GetDataSince(ctx, request.Symbols, sinceMs, s.cfg.MaxDataPoints)
	if err != nil {
		return fmt.Errorf("query tick cache: %w", err)
	}

	totalBatches := (len(points) + s.cfg.BatchSize - 1) / s.cfg.BatchSize

	for batch := 0; batch < totalBatches; batch++ {
		if s.queue.Cancelled(ctx, job.ID) {
			return queue.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Re-resolve each batch so a mid-recovery disconnect fails fast.
		sub = s.registry.GetSubscription(request.ClientID)
		if sub == nil || sub.Deliver == nil {
			return queue.Terminal("client disconnected")
		}

		start := batch * s.cfg.BatchSize
		end := start + s.cfg.BatchSize
		if end > len(points) {
			end = len(points)
		}
		chunk := points[start:end]

		message := entity.RecoveryBatchMessage{
			Type: entity.MessageTypeRecovery,
			Data: chunk,
			Metadata: entity.RecoveryBatchMetadata{
				RecoveryBatch:   batch + 1,
				TotalBatches:    totalBatches,
				IsLastBatch:     batch == totalBatches-1,
				DataPointsCount: len(chunk),
			},
		}
		if err := sub.Deliver(message); err != nil {
			return fmt.Errorf("deliver recovery batch %d/%d: %w", batch+1, totalBatches, err)
		}

		progress := float64(batch+1) / float64(totalBatches) * 100
		if err := s.queue.SetProgress(ctx, job.ID, progress); err != nil {
			logger.WithError(err).Warn("failed to update job progress")
		}
	}

	complete := entity.RecoveryCompleteMessage{
		Type:            entity.MessageTypeRecoveryComplete,
		Message:         fmt.Sprintf("recovered %d data points", len(points)),
		TotalDataPoints: len(points),
		TotalBatches:    totalBatches,
	}
	if err := sub.Deliver(complete); err != nil {
		return fmt.Errorf("deliver recovery completion: %w", err)
	}

	s.registry.Touch(request.ClientID)

	elapsed := s.now().Sub(started)
	s.metrics.completed(s.now(), elapsed)

	s.writeAudit(ctx, job, &request, constant.JobStateCompleted, "", int64(len(points)), int64(totalBatches), elapsed.Milliseconds())

	logger.WithFields(logrus.Fields{
		"data_points": len(points),
		"batches":     totalBatches,
		"elapsed":     elapsed.String(),
	}).Info("recovery job completed")

	return nil
}

// onJobFailed pushes the resubscribe notice so the client knows the gap will
// not be filled, then records the failure in the audit trail.
func (s *Service) onJobFailed(ctx context.Context, job *queue.Job, reason string) {
	var request entity.RecoveryJob
	if err := json.Unmarshal(job.Payload, &request); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Error("failed job payload undecodable, skipping notice")
		return
	}

	logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"client_id": request.ClientID,
		"reason":    reason,
	}).Error("recovery job failed")

	if sub := s.registry.GetSubscription(request.ClientID); sub != nil && sub.Deliver != nil {
		notice := entity.RecoveryFailedMessage{
			Type:      entity.MessageTypeRecoveryFailed,
			Message:   "data recovery failed, please resubscribe to refresh your stream",
			Symbols:   request.Symbols,
			Action:    "resubscribe",
			Timestamp: s.now().UnixMilli(),
		}
		if err := sub.Deliver(notice); err != nil {
			logrus.WithField("client_id", request.ClientID).WithError(err).Warn("failed to deliver recovery failure notice")
		}
	}

	s.writeAudit(ctx, job, &request, constant.JobStateFailed, reason, 0, 0, 0)
}

func (s *Service) validate(job *entity.RecoveryJob) error {
	if strings.TrimSpace(job.ClientID) == "" {
		return ErrMissingClientID
	}
	if len(job.Symbols) == 0 {
		return ErrNoSymbols
	}
	if job.LastReceiveTimestamp <= 0 || job.LastReceiveTimestamp > s.now().UnixMilli() {
		return ErrInvalidTimestamp
	}
	if job.Priority == "" {
		job.Priority = constant.PriorityNormal
	}

	return nil
}

// clampWindow bounds the replay range so an ancient reconnect cannot demand
// more history than the cache retains.
func (s *Service) clampWindow(lastReceiveMs int64) int64 {
	earliest := s.now().Add(-s.cfg.MaxRecoveryWindow).UnixMilli()
	if lastReceiveMs < earliest {
		logrus.WithFields(logrus.Fields{
			"requested": lastReceiveMs,
			"earliest":  earliest,
		}).Warn("recovery window clamped to maximum")
		return earliest
	}

	return lastReceiveMs
}

func (s *Service) defaultWeightPolicy(priority string, backlog time.Duration) (int64, time.Duration) {
	// roughly one second of spread per two minutes of backlog
	delay := backlog / 120
	if delay > maxBacklogDelay {
		delay = maxBacklogDelay
	}
	if delay < 0 {
		delay = 0
	}

	if weight, ok := s.cfg.PriorityWeights[priority]; ok {
		return weight, delay
	}

	switch priority {
	case constant.PriorityHigh:
		return 2000, delay
	case constant.PriorityLow:
		return 0, delay
	default:
		return 1000, delay
	}
}

func (s *Service) writeAudit(ctx context.Context, job *queue.Job, request *entity.RecoveryJob, state, reason string, dataPoints, batches, elapsedMs int64) {
	if s.audits == nil {
		return
	}

	audit := &entity.RecoveryAudit{
		JobID:      job.ID,
		ClientID:   request.ClientID,
		Symbols:    strings.Join(request.Symbols, ","),
		Provider:   request.Provider,
		Capability: request.Capability,
		Priority:   request.Priority,
		State:      state,
		Attempts:   job.Attempts,
		DataPoints: dataPoints,
		Batches:    batches,
		ElapsedMs:  elapsedMs,
	}
	if reason != "" {
		audit.FailedReason = sql.NullString{String: reason, Valid: true}
	}

	if err := s.audits.Create(ctx, audit); err != nil {
		logrus.WithField("job_id", job.ID).WithError(err).Warn("failed to persist recovery audit")
	}
}
