package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	settlement "github.com/utilpay/settlement"
)

const pendingColumns = `reference_code, chain_tx_hash, wallet_address, good_type, fiat_amount,
	chain_amount::text, status, created_at, updated_at`

const transactionColumns = `reference_code, chain_tx_hash, wallet_address, good_type, fiat_amount,
	chain_amount::text, status, refunded, COALESCE(phone_number, ''), COALESCE(meter_number, ''),
	COALESCE(smartcard_number, ''), COALESCE(mobile_network, ''), COALESCE(provider, ''),
	COALESCE(plan_id, ''), created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

// PostgresLedger implements settlement.Ledger and swap.Store on Postgres
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger over an open database
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Ping checks the database connection
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *PostgresLedger) ReserveSubmission(ctx context.Context, sub *settlement.ChainSubmission) error {
	query := `
		INSERT INTO chain_submissions (reference_code, wallet_address, chain_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (reference_code) DO NOTHING
	`
	res, err := l.db.ExecContext(ctx, query,
		sub.ReferenceCode, sub.WalletAddress, sub.ChainAmount.String(), sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("reserve submission: %w", err)
	}
	return requireInserted(res)
}

func (l *PostgresLedger) RecordSubmissionHash(ctx context.Context, referenceCode, txHash string) error {
	query := `UPDATE chain_submissions SET chain_tx_hash = $2, updated_at = NOW() WHERE reference_code = $1`
	res, err := l.db.ExecContext(ctx, query, referenceCode, txHash)
	if err != nil {
		return fmt.Errorf("record submission hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrTransactionNotFound
	}
	return nil
}

// ReleaseSubmission only removes reservations that never got a hash
func (l *PostgresLedger) ReleaseSubmission(ctx context.Context, referenceCode string) error {
	query := `DELETE FROM chain_submissions WHERE reference_code = $1 AND chain_tx_hash IS NULL`
	if _, err := l.db.ExecContext(ctx, query, referenceCode); err != nil {
		return fmt.Errorf("release submission: %w", err)
	}
	return nil
}

func (l *PostgresLedger) InsertPending(ctx context.Context, p *settlement.PendingTransaction) error {
	query := `
		INSERT INTO pending_transactions (reference_code, chain_tx_hash, wallet_address, good_type,
			fiat_amount, chain_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference_code) DO NOTHING
	`
	res, err := l.db.ExecContext(ctx, query,
		p.ReferenceCode, p.ChainTxHash, p.WalletAddress, string(p.GoodType),
		p.FiatAmount.String(), p.ChainAmount.String(), string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending transaction: %w", err)
	}
	return requireInserted(res)
}

func (l *PostgresLedger) UpdatePendingStatus(ctx context.Context, referenceCode string, status settlement.PendingStatus) error {
	query := `UPDATE pending_transactions SET status = $2, updated_at = NOW() WHERE reference_code = $1`
	res, err := l.db.ExecContext(ctx, query, referenceCode, string(status))
	if err != nil {
		return fmt.Errorf("update pending transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrTransactionNotFound
	}
	return nil
}

func (l *PostgresLedger) GetPending(ctx context.Context, referenceCode string) (*settlement.PendingTransaction, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_transactions WHERE reference_code = $1`
	p, err := scanPending(l.db.QueryRowContext(ctx, query, referenceCode))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending transaction: %w", err)
	}
	return p, nil
}

func (l *PostgresLedger) ListPending(ctx context.Context, filter settlement.PendingFilter) ([]settlement.PendingTransaction, error) {
	where, args := buildFilter(filter.WalletAddress, string(filter.Status))
	query := `SELECT ` + pendingColumns + ` FROM pending_transactions` + where + ` ORDER BY created_at DESC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	var out []settlement.PendingTransaction
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending transaction: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) InsertTransaction(ctx context.Context, t *settlement.Transaction) error {
	query := `
		INSERT INTO transactions (reference_code, chain_tx_hash, wallet_address, good_type,
			fiat_amount, chain_amount, status, refunded, phone_number, meter_number,
			smartcard_number, mobile_network, provider, plan_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (reference_code) DO NOTHING
	`
	m := t.Metadata
	res, err := l.db.ExecContext(ctx, query,
		t.ReferenceCode, t.ChainTxHash, t.WalletAddress, string(t.GoodType),
		t.FiatAmount.String(), t.ChainAmount.String(), string(t.Status), t.Refunded,
		nullString(m.PhoneNumber), nullString(m.MeterNumber), nullString(m.SmartcardNumber),
		nullString(m.MobileNetwork), nullString(m.Provider), nullString(m.PlanID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return requireInserted(res)
}

func (l *PostgresLedger) GetTransaction(ctx context.Context, referenceCode string) (*settlement.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference_code = $1`
	t, err := scanTransaction(l.db.QueryRowContext(ctx, query, referenceCode))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (l *PostgresLedger) ListTransactions(ctx context.Context, filter settlement.TransactionFilter) ([]settlement.Transaction, error) {
	where, args := buildFilter(filter.WalletAddress, string(filter.Status))
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY created_at DESC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []settlement.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) ReferenceExists(ctx context.Context, referenceCode string) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM chain_submissions WHERE reference_code = $1)
			OR EXISTS (SELECT 1 FROM pending_transactions WHERE reference_code = $1)
			OR EXISTS (SELECT 1 FROM transactions WHERE reference_code = $1)
	`
	var exists bool
	if err := l.db.QueryRowContext(ctx, query, referenceCode).Scan(&exists); err != nil {
		return false, fmt.Errorf("check reference: %w", err)
	}
	return exists, nil
}

// ClaimRefund claims the row with one conditional UPDATE. When nothing
// matches, the row is re-read to report which precondition failed.
func (l *PostgresLedger) ClaimRefund(ctx context.Context, referenceCode string) (*settlement.Transaction, error) {
	query := `
		UPDATE transactions SET refund_claimed_at = NOW(), updated_at = NOW()
		WHERE reference_code = $1 AND status = 'failed' AND refunded = FALSE AND refund_claimed_at IS NULL
		RETURNING ` + transactionColumns

	t, err := scanTransaction(l.db.QueryRowContext(ctx, query, referenceCode))
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("claim refund: %w", err)
	}

	existing, err := l.GetTransaction(ctx, referenceCode)
	if err != nil {
		return nil, err
	}
	return nil, classifyClaimFailure(existing)
}

func (l *PostgresLedger) MarkRefunded(ctx context.Context, referenceCode string) error {
	query := `
		UPDATE transactions SET refunded = TRUE, status = 'failed', refund_claimed_at = NULL, updated_at = NOW()
		WHERE reference_code = $1 AND refund_claimed_at IS NOT NULL AND refunded = FALSE
	`
	res, err := l.db.ExecContext(ctx, query, referenceCode)
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark refunded %s: no claimed transaction", referenceCode)
	}
	return nil
}

func (l *PostgresLedger) ReleaseRefund(ctx context.Context, referenceCode string) error {
	query := `
		UPDATE transactions SET refund_claimed_at = NULL, updated_at = NOW()
		WHERE reference_code = $1 AND refunded = FALSE
	`
	if _, err := l.db.ExecContext(ctx, query, referenceCode); err != nil {
		return fmt.Errorf("release refund: %w", err)
	}
	return nil
}

// classifyClaimFailure reports the first failed precondition in order:
// not found, already refunded, not failed, already claimed
func classifyClaimFailure(t *settlement.Transaction) error {
	switch {
	case t == nil:
		return settlement.ErrTransactionNotFound
	case t.Refunded:
		return settlement.ErrAlreadyRefunded
	case t.Status != settlement.TransactionStatusFailed:
		return settlement.ErrNotEligible
	default:
		return settlement.ErrRefundInProgress
	}
}

func requireInserted(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrDuplicateReference
	}
	return nil
}

func buildFilter(wallet, status string) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if wallet != "" {
		args = append(args, wallet)
		clauses = append(clauses, fmt.Sprintf("wallet_address = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanPending(row scanner) (*settlement.PendingTransaction, error) {
	var (
		p           settlement.PendingTransaction
		goodType    string
		status      string
		chainAmount string
	)
	err := row.Scan(&p.ReferenceCode, &p.ChainTxHash, &p.WalletAddress, &goodType, &p.FiatAmount,
		&chainAmount, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.GoodType = settlement.GoodType(goodType)
	p.Status = settlement.PendingStatus(status)
	if p.ChainAmount, err = parseBig(chainAmount); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTransaction(row scanner) (*settlement.Transaction, error) {
	var (
		t           settlement.Transaction
		goodType    string
		status      string
		chainAmount string
	)
	m := &t.Metadata
	err := row.Scan(&t.ReferenceCode, &t.ChainTxHash, &t.WalletAddress, &goodType, &t.FiatAmount,
		&chainAmount, &status, &t.Refunded, &m.PhoneNumber, &m.MeterNumber, &m.SmartcardNumber,
		&m.MobileNetwork, &m.Provider, &m.PlanID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.GoodType = settlement.GoodType(goodType)
	t.Status = settlement.TransactionStatus(status)
	if t.ChainAmount, err = parseBig(chainAmount); err != nil {
		return nil, err
	}
	return &t, nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
