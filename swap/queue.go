// Package swap converts settled proceeds into the target asset in the
// background. Jobs are durable rows; each replica runs one FIFO worker and
// claims a job with a lease before touching the swap facility.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	settlement "github.com/utilpay/settlement"
)

// DefaultLeaseTTL bounds a single swap attempt
const DefaultLeaseTTL = 5 * time.Minute

// Store persists swap jobs and arbitrates claims between replicas
type Store interface {
	CreateSwapJob(ctx context.Context, job *settlement.SwapJob) error

	// ClaimSwapJob returns settlement.ErrSwapJobNotClaimable unless the job
	// is pending or its processing lease has expired
	ClaimSwapJob(ctx context.Context, id, leaseID string, leaseExpiry time.Time) (*settlement.SwapJob, error)

	// CompleteSwapJob and FailSwapJob return settlement.ErrLeaseLost when
	// leaseID no longer holds the job
	CompleteSwapJob(ctx context.Context, id, leaseID string, result json.RawMessage) error
	FailSwapJob(ctx context.Context, id, leaseID, errMsg string) error

	GetSwapJob(ctx context.Context, id string) (*settlement.SwapJob, error)
	ListSwapJobsByWallet(ctx context.Context, walletAddress string) ([]settlement.SwapJob, error)
	ListRecoverableSwapJobs(ctx context.Context, now time.Time) ([]settlement.SwapJob, error)
}

// Facility performs the actual swap
type Facility interface {
	ExecuteSwap(ctx context.Context, fromAsset, toAsset string, amount *big.Int) (json.RawMessage, error)
}

// JobResultContext is passed to hooks after a job reaches a terminal state
type JobResultContext struct {
	Job      settlement.SwapJob
	Status   settlement.SwapStatus
	Error    error
	Duration time.Duration
}

// JobHook is called after each processed job
type JobHook func(JobResultContext)

// Option configures a Queue
type Option func(*Queue)

// WithLeaseTTL sets how long a claim is held before other replicas may
// take the job over
func WithLeaseTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		q.leaseTTL = ttl
	}
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue is the swap job queue. Enqueue persists a job and starts the worker
// when it is idle; the worker drains the FIFO and exits.
type Queue struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]bool
	running bool
	closed  bool
	wg      sync.WaitGroup

	store    Store
	facility Facility
	leaseTTL time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
	hooks    []JobHook

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a queue over store and facility
func NewQueue(store Store, facility Facility, opts ...Option) *Queue {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		queued:   make(map[string]bool),
		store:    store,
		facility: facility,
		leaseTTL: DefaultLeaseTTL,
		log:      discard,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnJobFinished registers a hook called after every processed job
func (q *Queue) OnJobFinished(hook JobHook) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, hook)
	return q
}

// Enqueue persists job as pending and schedules it. A missing ID is minted.
func (q *Queue) Enqueue(ctx context.Context, job *settlement.SwapJob) error {
	if job.Amount == nil || job.Amount.Sign() <= 0 {
		return fmt.Errorf("invalid swap amount for %s", job.ReferenceCode)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	job.Status = settlement.SwapStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := q.store.CreateSwapJob(ctx, job); err != nil {
		return fmt.Errorf("create swap job: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"reference_code": job.ReferenceCode,
	}).Info("swap job enqueued")

	q.push(job.ID)
	return nil
}

// Recover schedules pending jobs and processing jobs whose lease expired.
// Called once at startup.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	jobs, err := q.store.ListRecoverableSwapJobs(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("list recoverable swap jobs: %w", err)
	}
	for _, job := range jobs {
		q.push(job.ID)
	}
	if len(jobs) > 0 {
		q.log.WithField("jobs", len(jobs)).Info("recovered swap jobs")
	}
	return len(jobs), nil
}

// Job returns a job by id, or nil when it does not exist
func (q *Queue) Job(ctx context.Context, id string) (*settlement.SwapJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return q.store.GetSwapJob(ctx, id)
}

// JobsByWallet returns the jobs of a wallet, newest first
func (q *Queue) JobsByWallet(ctx context.Context, walletAddress string) ([]settlement.SwapJob, error) {
	return q.store.ListSwapJobsByWallet(ctx, walletAddress)
}

// Len returns the number of scheduled jobs not yet taken by the worker
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the worker has drained the queue
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Shutdown stops scheduling and waits for the current job. When ctx ends
// first the in-flight swap is cancelled; its lease lets a later Recover
// take it over.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.queued[id] {
		return
	}
	q.pending = append(q.pending, id)
	q.queued[id] = true

	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.drain()
	}
}

func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		q.running = false
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, id)
	return id, true
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		id, ok := q.pop()
		if !ok {
			return
		}
		q.process(q.ctx, id)
	}
}

// ProcessOne takes the head of the queue and runs it to a terminal state.
// It reports false when the queue was empty.
func (q *Queue) ProcessOne(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, id)
	q.mu.Unlock()

	q.process(ctx, id)
	return true
}

func (q *Queue) process(ctx context.Context, id string) {
	start := time.Now()
	log := q.log.WithField("job_id", id)

	leaseID := uuid.NewString()
	job, err := q.store.ClaimSwapJob(ctx, id, leaseID, q.now().Add(q.leaseTTL))
	if errors.Is(err, settlement.ErrSwapJobNotClaimable) {
		log.Debug("swap job held elsewhere or finished, skipping")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to claim swap job")
		return
	}

	log = log.WithField("reference_code", job.ReferenceCode)
	log.Info("processing swap job")

	swapCtx, cancel := context.WithTimeout(ctx, q.leaseTTL)
	result, swapErr := q.facility.ExecuteSwap(swapCtx, job.FromAsset, job.ToAsset, job.Amount)
	cancel()

	status := settlement.SwapStatusCompleted
	if swapErr != nil {
		status = settlement.SwapStatusFailed
		log.WithError(swapErr).Warn("swap failed")
		err = q.store.FailSwapJob(ctx, id, leaseID, swapErr.Error())
	} else {
		err = q.store.CompleteSwapJob(ctx, id, leaseID, result)
	}

	if errors.Is(err, settlement.ErrLeaseLost) {
		log.Warn("swap job lease lost before completion")
	} else if err != nil {
		log.WithError(err).Error("failed to record swap job outcome")
	} else {
		log.WithField("status", status).Info("swap job finished")
	}

	job.Status = status
	q.mu.Lock()
	hooks := q.hooks
	q.mu.Unlock()
	for _, hook := range hooks {
		hook(JobResultContext{Job: *job, Status: status, Error: swapErr, Duration: time.Since(start)})
	}
}

var _ settlement.SwapQueue = (*Queue)(nil)
