package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/stream-gateway/internal/entity"
)

type RecoveryAuditRepository struct {
	db *sqlx.DB
}

func NewRecoveryAuditRepository(db *sqlx.DB) *RecoveryAuditRepository {
	return &RecoveryAuditRepository{db: db}
}

func (r *RecoveryAuditRepository) Create(ctx context.Context, audit *entity.RecoveryAudit) error {
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(audit.TableName()).
		Columns(
			"job_id",
			"client_id",
			"symbols",
			"provider",
			"capability",
			"priority",
			"state",
			"attempts",
			"failed_reason",
			"data_points",
			"batches",
			"elapsed_ms",
			"created_at",
		).
		Values(
			audit.JobID,
			audit.ClientID,
			audit.Symbols,
			audit.Provider,
			audit.Capability,
			audit.Priority,
			audit.State,
			audit.Attempts,
			audit.FailedReason,
			audit.DataPoints,
			audit.Batches,
			audit.ElapsedMs,
			audit.CreatedAt,
		).
		Suffix("RETURNING id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		return err
	}

	audit.ID = id

	return err
}

func (r *RecoveryAuditRepository) GetByJobID(ctx context.Context, jobID string) (*entity.RecoveryAudit, error) {
	var audit entity.RecoveryAudit
	err := r.db.GetContext(ctx, &audit, "SELECT * FROM recovery_audits WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1", jobID)
	if err != nil {
		return nil, err
	}
	return &audit, nil
}

func (r *RecoveryAuditRepository) GetRecent(ctx context.Context, states []string, limit uint64) ([]entity.RecoveryAudit, error) {
	if limit == 0 {
		limit = 100
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("recovery_audits").
		OrderBy("created_at desc").
		Limit(limit)
	if len(states) > 0 {
		queryBuilder = queryBuilder.Where(sq.Eq{"state": states})
	}

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var audits []entity.RecoveryAudit
	err = r.db.SelectContext(ctx, &audits, query, args...)
	if err != nil {
		return nil, err
	}

	return audits, nil
}
