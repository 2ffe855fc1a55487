package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"fedigateway/internal/lightning"
)

const (
	coordinatorCallTimeout  = 30 * time.Second
	coordinatorRetryBase    = 1 * time.Second
	coordinatorRetryMax     = 30 * time.Second
	coordinatorSweepDefault = 30 * time.Second
)

// CoordinatorConfig tunes the coordinator's retry and sweep behavior.
type CoordinatorConfig struct {
	SweepInterval time.Duration
	// MaxRouteAttempts bounds outgoing routing retries. Route failures do
	// not self-resolve by waiting, unlike federation submission failures.
	MaxRouteAttempts int
	// RouteTimeoutSeconds is the per-attempt payment timeout.
	RouteTimeoutSeconds int32
	// RouteFeeLimitMsat is the fee limit for the first routing attempt;
	// later attempts relax it.
	RouteFeeLimitMsat uint64
}

// Coordinator owns every payment record's state. It drives each record
// through the state machine in its own goroutine, with at most one in-flight
// driver per record, and persists every transition before acting on it.
type Coordinator struct {
	backend lightning.Backend
	adapter *Adapter
	records RecordStore
	bus     *EventBus
	logger  *log.Logger
	cfg     CoordinatorConfig

	mu       sync.Mutex
	inflight map[RecordKey]struct{}
	started  bool
	stop     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewCoordinator(backend lightning.Backend, adapter *Adapter, records RecordStore, bus *EventBus, logger *log.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = coordinatorSweepDefault
	}
	if cfg.MaxRouteAttempts <= 0 {
		cfg.MaxRouteAttempts = 3
	}
	if cfg.RouteTimeoutSeconds <= 0 {
		cfg.RouteTimeoutSeconds = 60
	}
	return &Coordinator{
		backend:  backend,
		adapter:  adapter,
		records:  records,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		inflight: make(map[RecordKey]struct{}),
	}
}

func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stop = make(chan struct{})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runSweep()
}

// Stop drains in-flight drivers. Each driver finishes its current persisted
// checkpoint before exiting, never abandoning a transition midway.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stop == nil {
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.stop = nil
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Drive starts a driver goroutine for a record unless one is already
// running. Operations on a single record are serialized through this gate;
// unrelated records proceed concurrently.
func (c *Coordinator) Drive(rec *PaymentRecord) {
	key := rec.Key()
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(key)
		c.drive(rec)
	}()
}

func (c *Coordinator) release(key RecordKey) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

func (c *Coordinator) stopped() bool {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (c *Coordinator) waitOrStop(d time.Duration) bool {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

func retryWait(attempt int) time.Duration {
	wait := coordinatorRetryBase
	for i := 0; i < attempt && wait < coordinatorRetryMax; i++ {
		wait *= 2
	}
	if wait > coordinatorRetryMax {
		wait = coordinatorRetryMax
	}
	return wait
}

func (c *Coordinator) drive(rec *PaymentRecord) {
	switch rec.Direction {
	case DirectionIncoming:
		c.driveIncoming(rec)
	case DirectionOutgoing:
		c.driveOutgoing(rec)
	}
}

// driveIncoming walks one held HTLC through the state machine. Every branch
// either advances the record or exits to be resumed by the sweep, and every
// external action happens only after the state that mandates it is durable.
func (c *Coordinator) driveIncoming(rec *PaymentRecord) {
	for {
		if rec.State.Terminal() {
			return
		}
		if c.stopped() {
			return
		}

		// Past the deadline the record is aborted unless the federation has
		// already finalized. Finalized contracts are claimed regardless: the
		// federation side is committed and the safety margin on the deadline
		// leaves room for the claim.
		if rec.State != StateFederationFinalized && time.Now().After(rec.Deadline) {
			if done := c.abortIncoming(rec); done {
				return
			}
			continue
		}

		switch rec.State {
		case StateReceived:
			if done := c.submitIncoming(rec); done {
				return
			}
		case StateFederationSubmitted:
			if done := c.awaitIncomingFinality(rec); done {
				return
			}
		case StateFederationFinalized:
			c.claimIncoming(rec)
			return
		default:
			return
		}
	}
}

// submitIncoming submits the credit contract, retrying transient failures
// with backoff up to the record deadline.
func (c *Coordinator) submitIncoming(rec *PaymentRecord) bool {
	for attempt := 0; ; attempt++ {
		if c.stopped() || time.Now().After(rec.Deadline) {
			return c.stopped()
		}

		ctx, cancel := context.WithTimeout(c.driveContext(), coordinatorCallTimeout)
		ref, err := c.adapter.Submit(ctx, rec)
		cancel()

		switch {
		case err == nil:
			err = c.transition(rec, StateFederationSubmitted, RecordUpdate{ContractRef: ref, ClearError: true})
			if errors.Is(err, ErrStaleTransition) {
				return false
			}
			if err != nil {
				c.logf("coordinator: persist submission for %s failed: %v", rec.Key(), err)
				return true
			}
			return false
		case IsTransient(err):
			c.noteError(rec, err)
			if !c.waitOrStop(retryWait(attempt)) {
				return true
			}
		default:
			reason, _ := IsRejection(err)
			if reason == "" {
				reason = err.Error()
			}
			c.rejectIncoming(rec, reason)
			return true
		}
	}
}

// awaitIncomingFinality waits for consensus. The finality proof of a credit
// contract carries the payment preimage; it is persisted before any claim.
func (c *Coordinator) awaitIncomingFinality(rec *PaymentRecord) bool {
	ctx, cancel := context.WithDeadline(c.driveContext(), rec.Deadline)
	proof, err := c.adapter.AwaitFinality(ctx, rec)
	cancel()

	switch {
	case err == nil:
		err = c.transition(rec, StateFederationFinalized, RecordUpdate{Preimage: proof.Proof, ClearError: true})
		if errors.Is(err, ErrStaleTransition) {
			return false
		}
		if err != nil {
			c.logf("coordinator: persist finality for %s failed: %v", rec.Key(), err)
			return true
		}
		return false
	case IsTransient(err):
		// Deadline or shutdown interrupted the wait; the outer loop decides.
		return c.stopped()
	default:
		reason, _ := IsRejection(err)
		if reason == "" {
			reason = err.Error()
		}
		c.rejectIncoming(rec, reason)
		return true
	}
}

// claimIncoming settles the held HTLC with the finalized preimage. Claim
// calls are cheap, local and idempotent, so transient failures are retried
// until shutdown; the sweep resumes the record on the next pass.
func (c *Coordinator) claimIncoming(rec *PaymentRecord) {
	ref, err := lightning.ParseHtlcRef(rec.HtlcRef)
	if err != nil {
		c.quarantine(rec, "invalid htlc ref: "+err.Error())
		return
	}

	for attempt := 0; ; attempt++ {
		if c.stopped() {
			return
		}

		ctx, cancel := context.WithTimeout(c.driveContext(), coordinatorCallTimeout)
		err := c.backend.ClaimHtlc(ctx, ref, rec.PaymentHash, rec.Preimage)
		cancel()

		if err == nil {
			err = c.transition(rec, StateLightningSettled, RecordUpdate{ClearError: true})
			if err != nil && !errors.Is(err, ErrStaleTransition) {
				c.logf("coordinator: persist settlement for %s failed: %v", rec.Key(), err)
			}
			return
		}
		if errors.Is(err, lightning.ErrHtlcNotFound) {
			// The federation committed value but the HTLC is gone. Guessing
			// here risks fund loss, so the record is parked for an operator.
			c.quarantine(rec, "htlc missing after federation finality")
			return
		}
		c.noteError(rec, err)
		if !c.waitOrStop(retryWait(attempt)) {
			return
		}
	}
}

// rejectIncoming records a definitive federation refusal and fails the HTLC
// back to the sender.
func (c *Coordinator) rejectIncoming(rec *PaymentRecord, reason string) {
	err := c.transition(rec, StateFederationRejected, RecordUpdate{LastError: reason})
	if errors.Is(err, ErrStaleTransition) {
		return
	}
	if err != nil {
		c.logf("coordinator: persist rejection for %s failed: %v", rec.Key(), err)
		return
	}
	c.cancelHtlc(rec, reason)
}

// abortIncoming handles an elapsed deadline. If a finality transition was
// persisted first, the CAS loses and the reloaded record continues from
// FederationFinalized instead.
func (c *Coordinator) abortIncoming(rec *PaymentRecord) bool {
	err := c.transition(rec, StateAborted, RecordUpdate{LastError: "deadline elapsed"})
	if errors.Is(err, ErrStaleTransition) {
		return false
	}
	if err != nil {
		c.logf("coordinator: persist abort for %s failed: %v", rec.Key(), err)
		return true
	}
	c.cancelHtlc(rec, "deadline elapsed")
	return true
}

// cancelHtlc fails the held HTLC back. Retried until shutdown; an already
// resolved HTLC is fine.
func (c *Coordinator) cancelHtlc(rec *PaymentRecord, reason string) {
	ref, err := lightning.ParseHtlcRef(rec.HtlcRef)
	if err != nil {
		c.logf("coordinator: cancel skipped for %s: %v", rec.Key(), err)
		return
	}
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(c.driveContext(), coordinatorCallTimeout)
		err := c.backend.CancelHtlc(ctx, ref, rec.PaymentHash, reason)
		cancel()
		if err == nil || errors.Is(err, lightning.ErrHtlcNotFound) {
			return
		}
		c.logf("coordinator: cancel %s failed: %v", rec.Key(), err)
		if !c.waitOrStop(retryWait(attempt)) {
			return
		}
	}
}

// quarantine parks a record that hit simultaneous irrecoverable failures on
// both sides. Nothing is retried; an operator resolves it by hand.
func (c *Coordinator) quarantine(rec *PaymentRecord, reason string) {
	c.logf("coordinator: QUARANTINE %s: %s", rec.Key(), reason)
	err := c.transition(rec, StateQuarantined, RecordUpdate{LastError: reason})
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		c.logf("coordinator: persist quarantine for %s failed: %v", rec.Key(), err)
	}
}

// transition persists a state change with CAS semantics against rec's
// current state, then refreshes rec and publishes the change. Persistence
// uses its own context so a shutdown never abandons a write midway.
func (c *Coordinator) transition(rec *PaymentRecord, to State, update RecordUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallTimeout)
	defer cancel()

	err := c.records.Transition(ctx, rec.Key(), rec.State, to, update)
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		return err
	}

	fresh, getErr := c.records.GetRecord(ctx, rec.Key())
	if getErr != nil {
		if err != nil {
			return err
		}
		return getErr
	}
	*rec = *fresh

	if err == nil && c.bus != nil {
		c.bus.Publish(recordEvent(rec))
	}
	return err
}

// noteAttempt consumes one bounded routing attempt. Only definitive route
// verdicts go through here; transient trouble uses noteError so a flaky
// backend can never exhaust the attempt budget before the deadline.
func (c *Coordinator) noteAttempt(rec *PaymentRecord, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallTimeout)
	defer cancel()
	if err := c.records.RecordAttempt(ctx, rec.Key(), cause.Error()); err != nil {
		c.logf("coordinator: record attempt for %s failed: %v", rec.Key(), err)
	} else if fresh, err := c.records.GetRecord(ctx, rec.Key()); err == nil {
		*rec = *fresh
	}
	c.logf("coordinator: %s at %s: %v", rec.Key(), rec.State, cause)
}

// noteError persists the failure reason without counting an attempt, used
// between transient retries of the same stage.
func (c *Coordinator) noteError(rec *PaymentRecord, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallTimeout)
	defer cancel()
	if err := c.records.NoteError(ctx, rec.Key(), cause.Error()); err != nil {
		c.logf("coordinator: note error for %s failed: %v", rec.Key(), err)
	} else if fresh, err := c.records.GetRecord(ctx, rec.Key()); err == nil {
		*rec = *fresh
	}
	c.logf("coordinator: %s at %s: %v", rec.Key(), rec.State, cause)
}

func (c *Coordinator) driveContext() context.Context {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// runSweep periodically re-drives every non-terminal record. It aborts
// expired records and restarts drivers that died between checkpoints; a
// record with a live driver is skipped by the in-flight gate.
func (c *Coordinator) runSweep() {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.SweepInterval)
	defer timer.Stop()

	for {
		c.mu.Lock()
		stop := c.stop
		c.mu.Unlock()
		if stop == nil {
			return
		}

		select {
		case <-stop:
			return
		case <-timer.C:
			c.sweep()
			timer.Reset(c.cfg.SweepInterval)
		}
	}
}

func (c *Coordinator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), coordinatorCallTimeout)
	active, err := c.records.ListActive(ctx)
	cancel()
	if err != nil {
		c.logf("coordinator: sweep list failed: %v", err)
		return
	}
	for _, rec := range active {
		c.Drive(rec)
	}
}

var _ RecordDriver = (*Coordinator)(nil)
