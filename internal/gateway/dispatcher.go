package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fedigateway/internal/lightning"
)

// PayRequest asks the gateway to send a Lightning payment on behalf of a
// federation client. AmountMsat is only needed for zero-amount invoices.
type PayRequest struct {
	FederationID string
	Invoice      string
	AmountMsat   uint64
}

// OutgoingHandle identifies an accepted outgoing payment.
type OutgoingHandle struct {
	RecordID    string
	PaymentHash string
	State       State
}

// Dispatcher accepts outgoing payment requests, persists the debit intent
// and hands the record to the coordinator. It never drives state itself.
type Dispatcher struct {
	backend     lightning.Backend
	registry    *Registry
	records     RecordStore
	coordinator *Coordinator
	logger      *log.Logger
	deadline    time.Duration
}

func NewDispatcher(backend lightning.Backend, registry *Registry, records RecordStore, coordinator *Coordinator, logger *log.Logger, deadline time.Duration) *Dispatcher {
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	return &Dispatcher{
		backend:     backend,
		registry:    registry,
		records:     records,
		coordinator: coordinator,
		logger:      logger,
		deadline:    deadline,
	}
}

// Pay validates the request, persists a PaymentRecord for the debit and
// starts driving it. Repeating a request for the same invoice returns the
// existing record instead of paying twice.
func (d *Dispatcher) Pay(ctx context.Context, req PayRequest) (OutgoingHandle, error) {
	req.FederationID = strings.TrimSpace(req.FederationID)
	req.Invoice = strings.TrimSpace(req.Invoice)
	if req.FederationID == "" || req.Invoice == "" {
		return OutgoingHandle{}, errors.New("federation id and invoice are required")
	}

	reg, err := d.registry.Lookup(req.FederationID)
	if err != nil {
		return OutgoingHandle{}, err
	}

	inv, err := d.backend.DecodeInvoice(ctx, req.Invoice)
	if err != nil {
		return OutgoingHandle{}, err
	}
	amount := inv.AmountMsat
	if amount == 0 {
		amount = req.AmountMsat
	}
	if amount == 0 {
		return OutgoingHandle{}, errors.New("invoice has no amount and none was given")
	}

	rec := &PaymentRecord{
		ID:              uuid.NewString(),
		Direction:       DirectionOutgoing,
		FederationID:    req.FederationID,
		PaymentHash:     inv.PaymentHash,
		AmountMsat:      amount,
		FeeReservedMsat: reg.RoutingFeeMsat(amount),
		Invoice:         req.Invoice,
		State:           StateReceived,
		Deadline:        time.Now().UTC().Add(d.deadline),
	}

	if err := d.records.InsertRecord(ctx, rec); err != nil {
		if !errors.Is(err, ErrDuplicateRecord) {
			return OutgoingHandle{}, err
		}
		existing, getErr := d.records.GetRecord(ctx, rec.Key())
		if getErr != nil {
			return OutgoingHandle{}, getErr
		}
		if !existing.State.Terminal() {
			d.coordinator.Drive(existing)
		}
		return OutgoingHandle{RecordID: existing.ID, PaymentHash: existing.PaymentHash, State: existing.State}, nil
	}

	if d.logger != nil {
		d.logger.Printf("dispatcher: accepted outgoing %s for federation %s (%d msat)", inv.PaymentHash, req.FederationID, amount)
	}
	d.coordinator.Drive(rec)
	return OutgoingHandle{RecordID: rec.ID, PaymentHash: rec.PaymentHash, State: rec.State}, nil
}

// driveOutgoing walks one outgoing payment through the state machine:
// reserve the debit at the federation, route the Lightning payment, persist
// the preimage, then settle the debit.
func (c *Coordinator) driveOutgoing(rec *PaymentRecord) {
	for {
		if rec.State.Terminal() {
			return
		}
		if c.stopped() {
			return
		}

		switch rec.State {
		case StateReceived:
			if time.Now().After(rec.Deadline) {
				if done := c.abortOutgoing(rec, false); done {
					return
				}
				continue
			}
			if done := c.submitOutgoing(rec); done {
				return
			}
		case StateFederationSubmitted:
			if done := c.payOutgoing(rec); done {
				return
			}
		case StateFederationFinalized:
			c.settleOutgoing(rec)
			return
		default:
			return
		}
	}
}

// submitOutgoing reserves the client's funds via a debit contract.
func (c *Coordinator) submitOutgoing(rec *PaymentRecord) bool {
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
				c.logf("coordinator: persist debit for %s failed: %v", rec.Key(), err)
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
			// Nothing was reserved, so there is nothing to refund.
			err = c.transition(rec, StateFederationRejected, RecordUpdate{LastError: reason})
			if err != nil && !errors.Is(err, ErrStaleTransition) {
				c.logf("coordinator: persist rejection for %s failed: %v", rec.Key(), err)
			}
			return true
		}
	}
}

// payOutgoing routes the Lightning payment with a bounded number of
// attempts. Only definitive route failures count against the bound;
// transient transport trouble retries until the record deadline. Before any
// new send it consults the node's payment history, so a crash mid-send
// never pays twice.
func (c *Coordinator) payOutgoing(rec *PaymentRecord) bool {
	for transient := 0; ; {
		if c.stopped() {
			return true
		}

		ctx, cancel := context.WithTimeout(c.driveContext(), coordinatorCallTimeout)
		lookup, err := c.backend.LookupPayment(ctx, rec.PaymentHash)
		cancel()
		if err != nil {
			c.noteError(rec, err)
			if !c.waitOrStop(retryWait(transient)) {
				return true
			}
			transient++
			continue
		}

		switch lookup.State {
		case lightning.PaymentStateSucceeded:
			return c.finalizeOutgoing(rec, lookup.PreimageHex)
		case lightning.PaymentStateInFlight:
			// An in-flight payment cannot be aborted; wait for its fate even
			// past the deadline.
			if !c.waitOrStop(retryWait(1)) {
				return true
			}
			continue
		}

		if rec.AttemptCount >= c.cfg.MaxRouteAttempts {
			c.rejectOutgoing(rec, routeFailureReason(rec, lookup))
			return true
		}
		if time.Now().After(rec.Deadline) {
			if done := c.abortOutgoing(rec, true); done {
				return true
			}
			return false
		}

		// Relax the fee limit on each retry.
		feeLimit := c.cfg.RouteFeeLimitMsat * uint64(rec.AttemptCount+1)
		sendCtx, sendCancel := context.WithTimeout(c.driveContext(), time.Duration(c.cfg.RouteTimeoutSeconds+15)*time.Second)
		res, err := c.backend.SendPayment(sendCtx, lightning.SendRequest{
			Invoice:        rec.Invoice,
			AmountMsat:     rec.AmountMsat,
			FeeLimitMsat:   feeLimit,
			TimeoutSeconds: c.cfg.RouteTimeoutSeconds,
		})
		sendCancel()

		var routeErr *lightning.RouteError
		switch {
		case err == nil:
			return c.finalizeOutgoing(rec, res.PreimageHex)
		case errors.As(err, &routeErr):
			c.noteAttempt(rec, routeErr)
		default:
			// Not a routing verdict, just transport trouble.
			c.noteError(rec, err)
			if !c.waitOrStop(retryWait(transient)) {
				return true
			}
			transient++
		}
	}
}

// finalizeOutgoing persists the preimage before the debit settlement it
// authorizes.
func (c *Coordinator) finalizeOutgoing(rec *PaymentRecord, preimageHex string) bool {
	err := c.transition(rec, StateFederationFinalized, RecordUpdate{Preimage: preimageHex, ClearError: true})
	if errors.Is(err, ErrStaleTransition) {
		return false
	}
	if err != nil {
		c.logf("coordinator: persist preimage for %s failed: %v", rec.Key(), err)
		return true
	}
	return false
}

// settleOutgoing settles the debit contract at the federation. The preimage
// is durable and the payment succeeded, so transient failures are retried
// until shutdown.
func (c *Coordinator) settleOutgoing(rec *PaymentRecord) {
	for attempt := 0; ; attempt++ {
		if c.stopped() {
			return
		}

		ctx, cancel := context.WithTimeout(c.driveContext(), coordinatorCallTimeout)
		err := c.adapter.SettleDebit(ctx, rec)
		cancel()

		switch {
		case err == nil:
			err = c.transition(rec, StateLightningSettled, RecordUpdate{ClearError: true})
			if err != nil && !errors.Is(err, ErrStaleTransition) {
				c.logf("coordinator: persist settlement for %s failed: %v", rec.Key(), err)
			}
			return
		case IsTransient(err):
			c.noteError(rec, err)
			if !c.waitOrStop(retryWait(attempt)) {
				return
			}
		default:
			// The payment went through but the federation refuses the
			// settlement. Funds would be lost by guessing; park the record.
			c.quarantine(rec, "debit settlement refused: "+err.Error())
			return
		}
	}
}

// rejectOutgoing records the definitive routing failure and refunds the
// reserved debit.
func (c *Coordinator) rejectOutgoing(rec *PaymentRecord, reason string) {
	err := c.transition(rec, StateFederationRejected, RecordUpdate{LastError: reason})
	if errors.Is(err, ErrStaleTransition) {
		return
	}
	if err != nil {
		c.logf("coordinator: persist rejection for %s failed: %v", rec.Key(), err)
		return
	}
	c.refundOutgoing(rec)
}

// abortOutgoing handles an elapsed deadline. refund says whether a debit
// contract was already reserved.
func (c *Coordinator) abortOutgoing(rec *PaymentRecord, refund bool) bool {
	err := c.transition(rec, StateAborted, RecordUpdate{LastError: "deadline elapsed"})
	if errors.Is(err, ErrStaleTransition) {
		return false
	}
	if err != nil {
		c.logf("coordinator: persist abort for %s failed: %v", rec.Key(), err)
		return true
	}
	if refund {
		c.refundOutgoing(rec)
	}
	return true
}

// refundOutgoing releases the reserved debit. Transient failures retry
// until shutdown; a definitive refusal of the refund itself escalates to
// quarantine.
func (c *Coordinator) refundOutgoing(rec *PaymentRecord) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(c.driveContext(), coordinatorCallTimeout)
		err := c.adapter.Refund(ctx, rec)
		cancel()

		switch {
		case err == nil:
			return
		case IsTransient(err):
			c.logf("coordinator: refund %s failed: %v", rec.Key(), err)
			if !c.waitOrStop(retryWait(attempt)) {
				return
			}
		default:
			c.quarantine(rec, "refund refused: "+err.Error())
			return
		}
	}
}

func routeFailureReason(rec *PaymentRecord, lookup lightning.PaymentLookup) string {
	if lookup.FailureReason != "" {
		return lookup.FailureReason
	}
	if rec.LastError != "" {
		return rec.LastError
	}
	return "routing attempts exhausted"
}
