package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns scanned alongside a job
type JobScanArgs struct {
	SubscriptionID   sql.NullString
	SucceededBatches sql.NullInt64
	FailedBatches    sql.NullInt64
	ErrorMsg         sql.NullString
	StartedAt        sql.NullTime
	CompletedAt      sql.NullTime
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Status,
		&job.Source,
		&args.SubscriptionID,
		&job.BatchSize,
		&job.TotalUsers,
		&job.TotalBatches,
		&job.CompletedBatches,
		&args.SucceededBatches,
		&args.FailedBatches,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the nullable columns onto the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	job.SubscriptionID = args.SubscriptionID.String
	job.Error = args.ErrorMsg.String

	if args.SucceededBatches.Valid {
		v := int(args.SucceededBatches.Int64)
		job.SucceededBatches = &v
	}
	if args.FailedBatches.Valid {
		v := int(args.FailedBatches.Int64)
		job.FailedBatches = &v
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ScanJob scans one job from a *sql.Row or *sql.Rows
func ScanJob(row rowScanner) (*Job, error) {
	var job Job
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, &args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, status, source, subscription_id, batch_size,
		total_users, total_batches, completed_batches,
		succeeded_batches, failed_batches, error,
		created_at, started_at, completed_at, updated_at`
}
