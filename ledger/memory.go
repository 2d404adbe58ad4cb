package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	settlement "github.com/utilpay/settlement"
)

// MemoryLedger is an in-process ledger with the same conditional-write
// semantics as the Postgres ledger. Returned records are copies.
type MemoryLedger struct {
	mu      sync.Mutex
	subs    map[string]*settlement.ChainSubmission
	pending map[string]*settlement.PendingTransaction
	txns    map[string]*settlement.Transaction
	claimed map[string]bool
	swaps   map[string]*settlement.SwapJob
	now     func() time.Time
}

// NewMemoryLedger creates an empty memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		subs:    make(map[string]*settlement.ChainSubmission),
		pending: make(map[string]*settlement.PendingTransaction),
		txns:    make(map[string]*settlement.Transaction),
		claimed: make(map[string]bool),
		swaps:   make(map[string]*settlement.SwapJob),
		now:     time.Now,
	}
}

func (l *MemoryLedger) ReserveSubmission(_ context.Context, sub *settlement.ChainSubmission) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.subs[sub.ReferenceCode]; exists {
		return settlement.ErrDuplicateReference
	}
	cp := *sub
	cp.ChainAmount = copyBig(sub.ChainAmount)
	l.subs[sub.ReferenceCode] = &cp
	return nil
}

func (l *MemoryLedger) RecordSubmissionHash(_ context.Context, referenceCode, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subs[referenceCode]
	if !ok {
		return settlement.ErrTransactionNotFound
	}
	sub.ChainTxHash = txHash
	return nil
}

func (l *MemoryLedger) ReleaseSubmission(_ context.Context, referenceCode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sub, ok := l.subs[referenceCode]; ok && sub.ChainTxHash == "" {
		delete(l.subs, referenceCode)
	}
	return nil
}

// GetSubmission returns the reservation for a code, or nil
func (l *MemoryLedger) GetSubmission(_ context.Context, referenceCode string) (*settlement.ChainSubmission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub, ok := l.subs[referenceCode]
	if !ok {
		return nil, nil
	}
	cp := *sub
	cp.ChainAmount = copyBig(sub.ChainAmount)
	return &cp, nil
}

func (l *MemoryLedger) InsertPending(_ context.Context, p *settlement.PendingTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[p.ReferenceCode]; exists {
		return settlement.ErrDuplicateReference
	}
	cp := *p
	cp.ChainAmount = copyBig(p.ChainAmount)
	l.pending[p.ReferenceCode] = &cp
	return nil
}

func (l *MemoryLedger) UpdatePendingStatus(_ context.Context, referenceCode string, status settlement.PendingStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[referenceCode]
	if !ok {
		return settlement.ErrTransactionNotFound
	}
	p.Status = status
	p.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) GetPending(_ context.Context, referenceCode string) (*settlement.PendingTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[referenceCode]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.ChainAmount = copyBig(p.ChainAmount)
	return &cp, nil
}

func (l *MemoryLedger) ListPending(_ context.Context, filter settlement.PendingFilter) ([]settlement.PendingTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []settlement.PendingTransaction
	for _, p := range l.pending {
		if filter.WalletAddress != "" && p.WalletAddress != filter.WalletAddress {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		cp.ChainAmount = copyBig(p.ChainAmount)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) InsertTransaction(_ context.Context, t *settlement.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.txns[t.ReferenceCode]; exists {
		return settlement.ErrDuplicateReference
	}
	l.txns[t.ReferenceCode] = copyTransaction(t)
	return nil
}

func (l *MemoryLedger) GetTransaction(_ context.Context, referenceCode string) (*settlement.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.txns[referenceCode]
	if !ok {
		return nil, nil
	}
	return copyTransaction(t), nil
}

func (l *MemoryLedger) ListTransactions(_ context.Context, filter settlement.TransactionFilter) ([]settlement.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []settlement.Transaction
	for _, t := range l.txns {
		if filter.WalletAddress != "" && t.WalletAddress != filter.WalletAddress {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, *copyTransaction(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) ReferenceExists(_ context.Context, referenceCode string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, submitted := l.subs[referenceCode]
	_, pending := l.pending[referenceCode]
	_, final := l.txns[referenceCode]
	return submitted || pending || final, nil
}

func (l *MemoryLedger) ClaimRefund(_ context.Context, referenceCode string) (*settlement.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.txns[referenceCode]
	if !ok {
		return nil, classifyClaimFailure(nil)
	}
	if t.Refunded || t.Status != settlement.TransactionStatusFailed || l.claimed[referenceCode] {
		return nil, classifyClaimFailure(t)
	}
	l.claimed[referenceCode] = true
	return copyTransaction(t), nil
}

func (l *MemoryLedger) MarkRefunded(_ context.Context, referenceCode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.txns[referenceCode]
	if !ok || !l.claimed[referenceCode] || t.Refunded {
		return settlement.ErrNotEligible
	}
	t.Refunded = true
	t.Status = settlement.TransactionStatusFailed
	delete(l.claimed, referenceCode)
	return nil
}

func (l *MemoryLedger) ReleaseRefund(_ context.Context, referenceCode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.txns[referenceCode]; ok && !t.Refunded {
		delete(l.claimed, referenceCode)
	}
	return nil
}

// ============================================================================
// Swap jobs
// ============================================================================

func (l *MemoryLedger) CreateSwapJob(_ context.Context, job *settlement.SwapJob) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.swaps[job.ID]; exists {
		return settlement.ErrDuplicateReference
	}
	l.swaps[job.ID] = copySwapJob(job)
	return nil
}

func (l *MemoryLedger) ClaimSwapJob(_ context.Context, id, leaseID string, leaseExpiry time.Time) (*settlement.SwapJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.swaps[id]
	if !ok {
		return nil, settlement.ErrSwapJobNotClaimable
	}
	now := l.now()
	expired := job.Status == settlement.SwapStatusProcessing && job.LeaseExpiry != nil && job.LeaseExpiry.Before(now)
	if job.Status != settlement.SwapStatusPending && !expired {
		return nil, settlement.ErrSwapJobNotClaimable
	}

	expiry := leaseExpiry
	job.Status = settlement.SwapStatusProcessing
	job.LeaseID = leaseID
	job.LeaseExpiry = &expiry
	job.UpdatedAt = now
	return copySwapJob(job), nil
}

func (l *MemoryLedger) CompleteSwapJob(_ context.Context, id, leaseID string, result json.RawMessage) error {
	return l.finishSwapJob(id, leaseID, func(job *settlement.SwapJob) {
		job.Status = settlement.SwapStatusCompleted
		job.Result = append(json.RawMessage(nil), result...)
		job.Error = ""
	})
}

func (l *MemoryLedger) FailSwapJob(_ context.Context, id, leaseID, errMsg string) error {
	return l.finishSwapJob(id, leaseID, func(job *settlement.SwapJob) {
		job.Status = settlement.SwapStatusFailed
		job.Error = errMsg
	})
}

func (l *MemoryLedger) finishSwapJob(id, leaseID string, apply func(*settlement.SwapJob)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.swaps[id]
	if !ok || job.Status != settlement.SwapStatusProcessing || job.LeaseID != leaseID {
		return settlement.ErrLeaseLost
	}
	apply(job)
	job.LeaseID = ""
	job.LeaseExpiry = nil
	job.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) GetSwapJob(_ context.Context, id string) (*settlement.SwapJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.swaps[id]
	if !ok {
		return nil, nil
	}
	return copySwapJob(job), nil
}

func (l *MemoryLedger) ListSwapJobsByWallet(_ context.Context, walletAddress string) ([]settlement.SwapJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []settlement.SwapJob
	for _, job := range l.swaps {
		if job.WalletAddress == walletAddress {
			out = append(out, *copySwapJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) ListRecoverableSwapJobs(_ context.Context, now time.Time) ([]settlement.SwapJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []settlement.SwapJob
	for _, job := range l.swaps {
		expired := job.Status == settlement.SwapStatusProcessing && job.LeaseExpiry != nil && job.LeaseExpiry.Before(now)
		if job.Status == settlement.SwapStatusPending || expired {
			out = append(out, *copySwapJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyTransaction(t *settlement.Transaction) *settlement.Transaction {
	cp := *t
	cp.ChainAmount = copyBig(t.ChainAmount)
	return &cp
}

func copySwapJob(job *settlement.SwapJob) *settlement.SwapJob {
	cp := *job
	cp.Amount = copyBig(job.Amount)
	if job.Result != nil {
		cp.Result = append(json.RawMessage(nil), job.Result...)
	}
	if job.LeaseExpiry != nil {
		t := *job.LeaseExpiry
		cp.LeaseExpiry = &t
	}
	return &cp
}
