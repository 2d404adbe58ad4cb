package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	settlement "github.com/utilpay/settlement"
)

const swapJobColumns = `id::text, status, amount::text, from_asset, to_asset, wallet_address, reference_code,
	result, COALESCE(error, ''), COALESCE(lease_id::text, ''), lease_expiry, created_at, updated_at`

func (l *PostgresLedger) CreateSwapJob(ctx context.Context, job *settlement.SwapJob) error {
	query := `
		INSERT INTO swap_jobs (id, status, amount, from_asset, to_asset, wallet_address, reference_code,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := l.db.ExecContext(ctx, query,
		job.ID, string(job.Status), job.Amount.String(), job.FromAsset, job.ToAsset,
		job.WalletAddress, job.ReferenceCode, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create swap job: %w", err)
	}
	return nil
}

// ClaimSwapJob moves a pending job, or a processing job whose lease expired,
// to processing under a new lease
func (l *PostgresLedger) ClaimSwapJob(ctx context.Context, id, leaseID string, leaseExpiry time.Time) (*settlement.SwapJob, error) {
	query := `
		UPDATE swap_jobs SET status = 'processing', lease_id = $2, lease_expiry = $3, updated_at = NOW()
		WHERE id = $1 AND (status = 'pending' OR (status = 'processing' AND lease_expiry < NOW()))
		RETURNING ` + swapJobColumns

	job, err := scanSwapJob(l.db.QueryRowContext(ctx, query, id, leaseID, leaseExpiry))
	if err == sql.ErrNoRows {
		return nil, settlement.ErrSwapJobNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim swap job: %w", err)
	}
	return job, nil
}

func (l *PostgresLedger) CompleteSwapJob(ctx context.Context, id, leaseID string, result json.RawMessage) error {
	query := `
		UPDATE swap_jobs SET status = 'completed', result = $3, error = NULL, lease_id = NULL,
			lease_expiry = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_id = $2 AND status = 'processing'
	`
	var value interface{}
	if len(result) > 0 {
		value = string(result)
	}
	return l.finishSwapJob(ctx, query, id, leaseID, value)
}

func (l *PostgresLedger) FailSwapJob(ctx context.Context, id, leaseID, errMsg string) error {
	query := `
		UPDATE swap_jobs SET status = 'failed', error = $3, lease_id = NULL, lease_expiry = NULL,
			updated_at = NOW()
		WHERE id = $1 AND lease_id = $2 AND status = 'processing'
	`
	return l.finishSwapJob(ctx, query, id, leaseID, errMsg)
}

func (l *PostgresLedger) finishSwapJob(ctx context.Context, query, id, leaseID string, value interface{}) error {
	res, err := l.db.ExecContext(ctx, query, id, leaseID, value)
	if err != nil {
		return fmt.Errorf("finish swap job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrLeaseLost
	}
	return nil
}

func (l *PostgresLedger) GetSwapJob(ctx context.Context, id string) (*settlement.SwapJob, error) {
	query := `SELECT ` + swapJobColumns + ` FROM swap_jobs WHERE id = $1`
	job, err := scanSwapJob(l.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swap job: %w", err)
	}
	return job, nil
}

func (l *PostgresLedger) ListSwapJobsByWallet(ctx context.Context, walletAddress string) ([]settlement.SwapJob, error) {
	query := `SELECT ` + swapJobColumns + ` FROM swap_jobs WHERE wallet_address = $1 ORDER BY created_at DESC`
	return l.querySwapJobs(ctx, query, walletAddress)
}

// ListRecoverableSwapJobs returns pending jobs and processing jobs whose
// lease expired before now, oldest first
func (l *PostgresLedger) ListRecoverableSwapJobs(ctx context.Context, now time.Time) ([]settlement.SwapJob, error) {
	query := `
		SELECT ` + swapJobColumns + ` FROM swap_jobs
		WHERE status = 'pending' OR (status = 'processing' AND lease_expiry < $1)
		ORDER BY created_at ASC
	`
	return l.querySwapJobs(ctx, query, now)
}

func (l *PostgresLedger) querySwapJobs(ctx context.Context, query string, args ...interface{}) ([]settlement.SwapJob, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list swap jobs: %w", err)
	}
	defer rows.Close()

	var out []settlement.SwapJob
	for rows.Next() {
		job, err := scanSwapJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swap job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanSwapJob(row scanner) (*settlement.SwapJob, error) {
	var (
		job         settlement.SwapJob
		status      string
		amount      string
		result      []byte
		leaseExpiry sql.NullTime
	)
	err := row.Scan(&job.ID, &status, &amount, &job.FromAsset, &job.ToAsset, &job.WalletAddress,
		&job.ReferenceCode, &result, &job.Error, &job.LeaseID, &leaseExpiry, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = settlement.SwapStatus(status)
	if job.Amount, err = parseBig(amount); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if leaseExpiry.Valid {
		t := leaseExpiry.Time
		job.LeaseExpiry = &t
	}
	return &job, nil
}
