package entity

import (
	"database/sql"
	"time"
)

type RecoveryAudit struct {
	ID           string         `db:"id" json:"id"`
	JobID        string         `db:"job_id" json:"job_id"`
	ClientID     string         `db:"client_id" json:"client_id"`
	Symbols      string         `db:"symbols" json:"symbols"`
	Provider     string         `db:"provider" json:"provider"`
	Capability   string         `db:"capability" json:"capability"`
	Priority     string         `db:"priority" json:"priority"`
	State        string         `db:"state" json:"state"`
	Attempts     int            `db:"attempts" json:"attempts"`
	FailedReason sql.NullString `db:"failed_reason" json:"failed_reason"`
	DataPoints   int64          `db:"data_points" json:"data_points"`
	Batches      int64          `db:"batches" json:"batches"`
	ElapsedMs    int64          `db:"elapsed_ms" json:"elapsed_ms"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

func (r RecoveryAudit) TableName() string {
	return "recovery_audits"
}
