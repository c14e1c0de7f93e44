// Package dispatch decides, per submission, whether a job goes through the
// backend queue or runs inline, and owns the worker pool that executes jobs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"video-overlay-api-scalable/shared"
)

type Strategy string

const (
	StrategyQueued Strategy = "queued"
	StrategyInline Strategy = "inline"
)

// CancelledByOperator is recorded for jobs cancelled before they started
const CancelledByOperator = "cancelled by operator"

// Receipt acknowledges a submission. Warning is set when the job took the degraded path.
type Receipt struct {
	JobID    string   `json:"jobId"`
	Strategy Strategy `json:"strategy"`
	Warning  string   `json:"warning,omitempty"`
}

// Processor runs one job to a terminal state
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

type Config struct {
	MaxWorkers            int
	Attempts              int
	Backoff               time.Duration
	InlineScheduleTimeout time.Duration
}

// ConfigFrom picks the dispatch settings out of the service configuration
func ConfigFrom(cfg *shared.Config) Config {
	return Config{
		MaxWorkers:            cfg.MaxWorkers,
		Attempts:              cfg.DispatchAttempts,
		Backoff:               cfg.DispatchBackoff,
		InlineScheduleTimeout: cfg.InlineScheduleTimeout,
	}
}

type Dispatcher struct {
	db    shared.DatabaseClient
	queue shared.MessageQueueClient
	proc  Processor
	cfg   Config

	// slots is a semaphore bounding concurrent executions
	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	healthy atomic.Bool
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher. queue may be nil, in which case every job runs inline.
func New(db shared.DatabaseClient, queue shared.MessageQueueClient, proc Processor, cfg Config) *Dispatcher {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		db:       db,
		queue:    queue,
		proc:     proc,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxWorkers),
		inflight: make(map[string]context.CancelFunc),
		base:     base,
		stop:     stop,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the initial connectivity check and logs the resulting mode
func (d *Dispatcher) Start(ctx context.Context) {
	if d.Check(ctx) {
		log.Printf("INFO: Dispatcher: backend queue reachable, jobs will be queued")
		return
	}
	if d.queue == nil {
		log.Printf("INFO: Dispatcher: no backend queue configured, jobs will run inline")
		return
	}
	log.Printf("WARN: Dispatcher: backend queue unreachable at startup, jobs will run inline until it recovers")
}

// Check probes the backend queue and records the result. Submit calls it once
// per submission to select the strategy.
func (d *Dispatcher) Check(ctx context.Context) bool {
	if d.queue == nil {
		d.healthy.Store(false)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := d.queue.Ping(ctx)
	if err != nil && d.healthy.Load() {
		log.Printf("WARN: Dispatcher: backend queue became unreachable: %v", err)
	}
	d.healthy.Store(err == nil)
	return err == nil
}

// Healthy reports the backend queue health observed by the last check
func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }

// Active is the number of executions running in this process
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) MaxWorkers() int { return d.cfg.MaxWorkers }

// Submit hands a pending job to the backend queue or runs it inline. The job is
// already durable, so queue trouble never fails a submission.
func (d *Dispatcher) Submit(ctx context.Context, jobID string) (Receipt, error) {
	if _, err := d.db.GetJob(jobID); err != nil {
		return Receipt{}, err
	}

	if d.Check(ctx) {
		err := d.publish(ctx, jobID)
		if err == nil {
			return Receipt{JobID: jobID, Strategy: StrategyQueued}, nil
		}
		d.healthy.Store(false)
		log.Printf("WARN: Dispatcher: %v; running job inline", err)
		return d.inline(ctx, jobID, fmt.Sprintf("backend queue unavailable, job ran inline: %v", errors.Unwrap(err)))
	}
	warning := ""
	if d.queue != nil {
		warning = "backend queue unreachable, job ran inline"
	}
	return d.inline(ctx, jobID, warning)
}

// publish enqueues with bounded retries and exponential backoff
func (d *Dispatcher) publish(ctx context.Context, jobID string) error {
	var err error
	backoff := d.cfg.Backoff
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if err = d.queue.Publish(ctx, shared.JobMessage{JobID: jobID}); err == nil {
			log.Printf("INFO: Dispatcher: job %s queued (attempt %d)", jobID, attempt)
			return nil
		}
		log.Printf("WARN: Dispatcher: publish of job %s failed (attempt %d/%d): %v", jobID, attempt, d.cfg.Attempts, err)
		if attempt == d.cfg.Attempts {
			break
		}
		if serr := d.sleep(ctx, backoff); serr != nil {
			err = serr
			break
		}
		backoff *= 2
	}
	return &shared.DispatchError{JobID: jobID, Attempts: d.cfg.Attempts, Err: err}
}

// inline runs the job synchronously once a pool slot frees up. When no slot frees
// in time the job stays pending with the warning recorded for an operator.
func (d *Dispatcher) inline(ctx context.Context, jobID, warning string) (Receipt, error) {
	receipt := Receipt{JobID: jobID, Strategy: StrategyInline, Warning: warning}

	if !d.acquire(ctx, d.cfg.InlineScheduleTimeout) {
		note := "inline execution could not be scheduled: worker pool busy"
		if warning != "" {
			note = warning + "; " + note
		}
		receipt.Warning = note
		if err := d.db.UpdateJob(jobID, shared.JobPatch{Error: &note}); err != nil {
			log.Printf("ERROR: Dispatcher: failed to record warning for job %s: %v", jobID, err)
		}
		log.Printf("WARN: Dispatcher: job %s left pending: %s", jobID, note)
		return receipt, nil
	}
	defer d.release()

	if err := d.execute(jobID); errors.Is(err, shared.ErrAlreadyActive) {
		return receipt, err
	}
	return receipt, nil
}

func (d *Dispatcher) acquire(ctx context.Context, timeout time.Duration) bool {
	select {
	case d.slots <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d.slots <- struct{}{}:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) release() { <-d.slots }

// execute runs the processor unless the job is already active in this process.
// Runs are bound to the dispatcher lifetime, not to the caller's request.
func (d *Dispatcher) execute(jobID string) error {
	ctx, cancel := context.WithCancel(d.base)
	d.mu.Lock()
	if _, ok := d.inflight[jobID]; ok {
		d.mu.Unlock()
		cancel()
		log.Printf("WARN: Dispatcher: job %s already has an active execution", jobID)
		return shared.ErrAlreadyActive
	}
	d.inflight[jobID] = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, jobID)
		d.mu.Unlock()
		cancel()
	}()

	if err := d.proc.Process(ctx, jobID); err != nil {
		log.Printf("INFO: Dispatcher: job %s finished with error: %v", jobID, err)
		return err
	}
	return nil
}

// Run consumes the backend queue until ctx ends or the queue closes, running
// at most MaxWorkers jobs at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.queue == nil {
		return errors.New("no backend queue configured")
	}
	messages, err := d.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming from queue: %w", err)
	}
	log.Println("INFO: Worker started consuming messages from queue...")

	for {
		var msg shared.JobMessage
		var ok bool
		select {
		case <-ctx.Done():
			log.Println("INFO: Queue consumer stopped.")
			return nil
		case msg, ok = <-messages:
		}
		if !ok {
			log.Println("INFO: Queue consumer stopped.")
			return nil
		}

		// Blocks while MaxWorkers jobs are already running
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			log.Printf("WARN: Dispatcher: dropping delivery of job %s during shutdown; it stays pending", msg.JobID)
			return nil
		}
		log.Printf("INFO: Worker acquired token for job %s. Current active jobs: %d/%d", msg.JobID, len(d.slots), d.cfg.MaxWorkers)

		d.wg.Add(1)
		go func(jobID string) {
			defer d.wg.Done()
			defer func() {
				d.release()
				log.Printf("INFO: Worker released token for job %s. Remaining active jobs: %d/%d", jobID, len(d.slots), d.cfg.MaxWorkers)
			}()
			_ = d.execute(jobID)
		}(msg.JobID)
	}
}

// Cancel stops a job. An execution running in this process is killed and the
// worker records the failure; a job that has not started is marked failed here.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	cancel, ok := d.inflight[jobID]
	d.mu.Unlock()
	if ok {
		log.Printf("INFO: Dispatcher: cancelling active execution of job %s", jobID)
		cancel()
		return nil
	}

	job, err := d.db.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != shared.JobStatusPending {
		if job.Status.IsTerminal() {
			return fmt.Errorf("job %s: %w", jobID, shared.ErrTerminalState)
		}
		return fmt.Errorf("job %s is processing in another worker: %w", jobID, shared.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	msg := CancelledByOperator
	return d.db.UpdateJob(jobID, shared.JobPatch{
		Status:      shared.Ptr(shared.JobStatusFailed),
		Error:       &msg,
		CompletedAt: &now,
	})
}

// Retry resubmits a job that is still pending, e.g. after a degraded-mode warning
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (Receipt, error) {
	job, err := d.db.GetJob(jobID)
	if err != nil {
		return Receipt{}, err
	}
	if job.Status != shared.JobStatusPending {
		if job.Status.IsTerminal() {
			return Receipt{}, fmt.Errorf("job %s: %w", jobID, shared.ErrTerminalState)
		}
		return Receipt{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, shared.ErrInvalidTransition)
	}
	log.Printf("INFO: Dispatcher: operator retry of job %s", jobID)
	return d.Submit(ctx, jobID)
}

// Close cancels running executions and waits for queue-driven ones to finish
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
	d.healthy.Store(false)
}
