package gateway

import (
	"context"
	"errors"
	"log"

	"fedigateway/internal/lightning"
)

// Scanner reconciles persisted payment records against Lightning-backend
// truth at startup, then hands every still-live record back to the
// coordinator. Recovery is a re-entry into the normal state machine, not a
// separate code path; on a store with nothing left to do it is a no-op.
type Scanner struct {
	backend     lightning.Backend
	records     RecordStore
	coordinator *Coordinator
	logger      *log.Logger
}

func NewScanner(backend lightning.Backend, records RecordStore, coordinator *Coordinator, logger *log.Logger) *Scanner {
	return &Scanner{
		backend:     backend,
		records:     records,
		coordinator: coordinator,
		logger:      logger,
	}
}

func (s *Scanner) Run(ctx context.Context) error {
	active, err := s.records.ListActive(ctx)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Printf("recovery: %d active record(s) to reconcile", len(active))
	}

	for _, rec := range active {
		switch rec.Direction {
		case DirectionIncoming:
			s.reconcileIncoming(ctx, rec)
		case DirectionOutgoing:
			// The outgoing driver consults the node's payment history before
			// sending anything, so resuming it is safe at any stage.
			s.coordinator.Drive(rec)
		}
	}
	return nil
}

// reconcileIncoming aligns one incoming record with the live HTLC before
// resuming it. Most records just re-enter the state machine; the exceptions
// are HTLCs that were resolved while we were down.
func (s *Scanner) reconcileIncoming(ctx context.Context, rec *PaymentRecord) {
	state, err := s.backend.LookupHtlc(ctx, rec.PaymentHash)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("recovery: htlc lookup for %s failed: %v", rec.Key(), err)
		}
		s.coordinator.Drive(rec)
		return
	}

	switch state {
	case lightning.HtlcStateClaimed:
		if rec.State == StateFederationFinalized {
			// The claim landed before the crash; only the settlement write
			// was lost.
			s.transition(ctx, rec, StateLightningSettled, RecordUpdate{ClearError: true})
			return
		}
		// A claim without persisted finality breaks the ordering invariant.
		// Never guess around that; park the record.
		s.transition(ctx, rec, StateQuarantined, RecordUpdate{LastError: "htlc claimed before persisted finality"})
	case lightning.HtlcStateCanceled:
		if rec.State == StateFederationFinalized {
			s.transition(ctx, rec, StateQuarantined, RecordUpdate{LastError: "htlc canceled after federation finality"})
			return
		}
		s.transition(ctx, rec, StateAborted, RecordUpdate{LastError: "htlc canceled while gateway was down"})
	default:
		// Held, or unknown because the backend redelivers it shortly.
		s.coordinator.Drive(rec)
	}
}

func (s *Scanner) transition(ctx context.Context, rec *PaymentRecord, to State, update RecordUpdate) {
	err := s.records.Transition(ctx, rec.Key(), rec.State, to, update)
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		if s.logger != nil {
			s.logger.Printf("recovery: transition %s -> %s for %s failed: %v", rec.State, to, rec.Key(), err)
		}
		return
	}
	if s.logger != nil && err == nil {
		s.logger.Printf("recovery: %s reconciled to %s", rec.Key(), to)
	}
}
