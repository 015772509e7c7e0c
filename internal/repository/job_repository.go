package repository

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/unclebandit/massmail-backend/internal/model"
)

// insertChunk bounds the size of one bulk insert of pending recipients.
const insertChunk = 10000

type JobRepositoryInterface interface {
	// Job record
	Get(ctx context.Context) (*model.Job, error)
	Replace(ctx context.Context, job *model.Job, recipients []model.RecipientID) error
	UpdateStatus(ctx context.Context, from, to model.JobState) (bool, error)
	DeleteAll(ctx context.Context) error
	DeleteVersion(ctx context.Context, version int64) (bool, error)

	// Pending recipients
	NextBatch(ctx context.Context, version int64, limit int) ([]model.RecipientID, error)
	RemoveRecipients(ctx context.Context, version int64, ids []model.RecipientID) error
	CountPending(ctx context.Context, version int64) (int, error)
	CountAllPending(ctx context.Context) (int, error)
}

type JobRepository struct {
	DB *sql.DB
}

// ====================== Job record ======================

func (r *JobRepository) Get(ctx context.Context) (*model.Job, error) {
	query := `
        SELECT version, subject, body, status, batch_size, total_recipients, created_at, updated_at
        FROM mass_email_job LIMIT 1
    `
	var j model.Job
	var status string
	err := r.DB.QueryRowContext(ctx, query).Scan(
		&j.Version, &j.Subject, &j.Body, &status, &j.BatchSize,
		&j.TotalRecipients, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get job")
	}
	j.Status = model.JobState(status)
	return &j, nil
}

// Replace drops any existing job with its pending recipients and stores job
// with the given recipients in one transaction. job.Version and CreatedAt are
// filled from the database.
func (r *JobRepository) Replace(ctx context.Context, job *model.Job, recipients []model.RecipientID) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin replace job")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM mass_email_job`); err != nil {
		return errors.Wrap(err, "delete previous job")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM mass_email_recipients`); err != nil {
		return errors.Wrap(err, "delete previous recipients")
	}

	query := `
        INSERT INTO mass_email_job (version, subject, body, status, batch_size, total_recipients, created_at, updated_at)
        VALUES (nextval('mass_email_job_version_seq'), $1, $2, $3, $4, $5, NOW(), NOW())
        RETURNING version, created_at, updated_at
    `
	err = tx.QueryRowContext(ctx, query, job.Subject, job.Body, string(job.Status), job.BatchSize, job.TotalRecipients).
		Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}

	for start := 0; start < len(recipients); start += insertChunk {
		end := start + insertChunk
		if end > len(recipients) {
			end = len(recipients)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO mass_email_recipients (recipient_id, job_version)
            SELECT unnest($1::bigint[]), $2
            ON CONFLICT (recipient_id) DO NOTHING
        `, pq.Array(toInt64s(recipients[start:end])), job.Version)
		if err != nil {
			return errors.Wrapf(err, "insert recipients %d-%d", start, end)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit replace job")
	}
	return nil
}

// UpdateStatus moves the job from one status to another and reports whether a
// row changed.
func (r *JobRepository) UpdateStatus(ctx context.Context, from, to model.JobState) (bool, error) {
	query := `UPDATE mass_email_job SET status=$1, updated_at=NOW() WHERE status=$2`
	res, err := r.DB.ExecContext(ctx, query, string(to), string(from))
	if err != nil {
		return false, errors.Wrap(err, "update job status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update job status")
	}
	return n > 0, nil
}

// DeleteAll removes the job and every pending recipient.
func (r *JobRepository) DeleteAll(ctx context.Context) (err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete job")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM mass_email_job`); err != nil {
		return errors.Wrap(err, "delete job")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM mass_email_recipients`); err != nil {
		return errors.Wrap(err, "delete recipients")
	}
	return errors.Wrap(tx.Commit(), "commit delete job")
}

// DeleteVersion removes the job only while it still carries version.
func (r *JobRepository) DeleteVersion(ctx context.Context, version int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM mass_email_job WHERE version=$1`, version)
	if err != nil {
		return false, errors.Wrap(err, "delete job version")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete job version")
	}
	return n > 0, nil
}

// ====================== Pending recipients ======================

func (r *JobRepository) NextBatch(ctx context.Context, version int64, limit int) ([]model.RecipientID, error) {
	query := `
        SELECT recipient_id FROM mass_email_recipients
        WHERE job_version=$1
        ORDER BY recipient_id
        LIMIT $2
    `
	rows, err := r.DB.QueryContext(ctx, query, version, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select batch")
	}
	defer rows.Close()

	ids := []model.RecipientID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan batch")
		}
		ids = append(ids, model.RecipientID(id))
	}
	return ids, errors.Wrap(rows.Err(), "iterate batch")
}

// RemoveRecipients is idempotent; ids already gone are ignored.
func (r *JobRepository) RemoveRecipients(ctx context.Context, version int64, ids []model.RecipientID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM mass_email_recipients WHERE job_version=$1 AND recipient_id = ANY($2)`
	_, err := r.DB.ExecContext(ctx, query, version, pq.Array(toInt64s(ids)))
	return errors.Wrap(err, "remove recipients")
}

func (r *JobRepository) CountPending(ctx context.Context, version int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM mass_email_recipients WHERE job_version=$1`, version).Scan(&n)
	return n, errors.Wrap(err, "count pending")
}

func (r *JobRepository) CountAllPending(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM mass_email_recipients`).Scan(&n)
	return n, errors.Wrap(err, "count all pending")
}

func toInt64s(ids []model.RecipientID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
