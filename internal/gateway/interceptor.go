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

// Onion TLV records carried by federation-bound HTLCs.
const (
	tlvFederationID uint64 = 65537
	tlvContractHint uint64 = 65539
)

// DecisionKind is the interceptor's verdict on one HTLC.
type DecisionKind int

const (
	// DecisionPassThrough means the HTLC is not ours. It is resumed so the
	// node forwards it normally.
	DecisionPassThrough DecisionKind = iota
	// DecisionReject means the HTLC targets us but cannot be accepted. It is
	// failed back to the sender.
	DecisionReject
	// DecisionHold means a payment record was persisted and the HTLC stays
	// held until the coordinator resolves it.
	DecisionHold
)

// RejectReason classifies why an HTLC was refused before a record existed.
type RejectReason string

const (
	RejectUnknownFederation RejectReason = "unknown_federation"
	RejectExpiryTooSoon     RejectReason = "expiry_too_soon"
	RejectDuplicateHold     RejectReason = "duplicate_hold"
)

// InterceptDecision is the outcome of classifying one incoming HTLC.
type InterceptDecision struct {
	Kind   DecisionKind
	Reason RejectReason
	Record *PaymentRecord
}

// RecordDriver receives freshly held records. The coordinator implements it.
type RecordDriver interface {
	Drive(rec *PaymentRecord)
}

// InterceptorConfig carries the expiry policy.
type InterceptorConfig struct {
	// MinExpiryDeltaBlocks is the minimum number of blocks that must remain
	// before the HTLC's CLTV expiry for the gateway to take it on.
	MinExpiryDeltaBlocks uint32
	// DeadlineSafetyBlocks is subtracted from the remaining blocks when
	// deriving the record deadline, leaving room to cancel before the
	// sender can reclaim on-chain.
	DeadlineSafetyBlocks uint32
	// BlockTime converts remaining blocks into a wall-clock deadline.
	BlockTime time.Duration
}

// Interceptor classifies incoming HTLCs and turns federation-bound ones
// into held payment records.
type Interceptor struct {
	backend  lightning.Backend
	registry *Registry
	records  RecordStore
	intents  IntentStore
	driver   RecordDriver
	logger   *log.Logger
	cfg      InterceptorConfig
}

func NewInterceptor(backend lightning.Backend, registry *Registry, records RecordStore, intents IntentStore, driver RecordDriver, logger *log.Logger, cfg InterceptorConfig) *Interceptor {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 10 * time.Minute
	}
	return &Interceptor{
		backend:  backend,
		registry: registry,
		records:  records,
		intents:  intents,
		driver:   driver,
		logger:   logger,
		cfg:      cfg,
	}
}

// classify extracts the target federation for an HTLC: first from the onion
// TLV marker, then from a pre-registered payment intent. Empty means the
// HTLC is not ours.
func (i *Interceptor) classify(ctx context.Context, htlc lightning.IncomingHtlc) string {
	if raw, ok := htlc.CustomRecords[tlvFederationID]; ok {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	if i.intents == nil {
		return ""
	}
	intent, err := i.intents.LookupIntent(ctx, htlc.PaymentHash)
	if err != nil {
		if !errors.Is(err, ErrIntentNotFound) && i.logger != nil {
			i.logger.Printf("interceptor: intent lookup for %s failed: %v", htlc.PaymentHash, err)
		}
		return ""
	}
	return intent.FederationID
}

// OnHtlc decides what to do with one HTLC notification. Safe to call again
// with the same payment hash after a restart: the persisted record is the
// deduplication authority.
func (i *Interceptor) OnHtlc(ctx context.Context, htlc lightning.IncomingHtlc) (InterceptDecision, error) {
	federationID := i.classify(ctx, htlc)
	if federationID == "" {
		return InterceptDecision{Kind: DecisionPassThrough}, nil
	}

	reg, err := i.registry.Lookup(federationID)
	if err != nil {
		if errors.Is(err, ErrUnknownFederation) {
			return InterceptDecision{Kind: DecisionReject, Reason: RejectUnknownFederation}, nil
		}
		return InterceptDecision{}, err
	}

	height, err := i.backend.BlockHeight(ctx)
	if err != nil {
		return InterceptDecision{}, transientf("backend", "block height: %w", err)
	}
	if htlc.Expiry <= height || htlc.Expiry-height < i.cfg.MinExpiryDeltaBlocks {
		return InterceptDecision{Kind: DecisionReject, Reason: RejectExpiryTooSoon}, nil
	}

	rec := &PaymentRecord{
		ID:              paymentHashID(federationID, htlc.PaymentHash),
		Direction:       DirectionIncoming,
		FederationID:    federationID,
		PaymentHash:     htlc.PaymentHash,
		AmountMsat:      htlc.AmountMsat,
		FeeReservedMsat: reg.RoutingFeeMsat(htlc.AmountMsat),
		HtlcRef:         htlc.Ref.String(),
		State:           StateReceived,
		Deadline:        i.deadlineFor(height, htlc.Expiry),
	}

	if err := i.records.InsertRecord(ctx, rec); err != nil {
		if !errors.Is(err, ErrDuplicateRecord) {
			return InterceptDecision{}, err
		}
		existing, getErr := i.records.GetRecord(ctx, rec.Key())
		if getErr != nil {
			return InterceptDecision{}, getErr
		}
		// Same HTLC redelivered after a restart: keep holding and let the
		// coordinator resume from the persisted state. A second distinct
		// HTLC for the same hash is refused.
		if existing.HtlcRef == htlc.Ref.String() && !existing.State.Terminal() {
			return InterceptDecision{Kind: DecisionHold, Record: existing}, nil
		}
		return InterceptDecision{Kind: DecisionReject, Reason: RejectDuplicateHold}, nil
	}

	if i.intents != nil {
		// The intent served its purpose once a record exists.
		if err := i.intents.DeleteIntent(ctx, federationID, htlc.PaymentHash); err != nil && i.logger != nil {
			i.logger.Printf("interceptor: delete intent for %s failed: %v", htlc.PaymentHash, err)
		}
	}
	return InterceptDecision{Kind: DecisionHold, Record: rec}, nil
}

// deadlineFor converts the HTLC's absolute CLTV expiry into a wall-clock
// deadline with a safety margin of blocks held back.
func (i *Interceptor) deadlineFor(height uint32, expiry uint32) time.Time {
	remaining := expiry - height
	if remaining <= i.cfg.DeadlineSafetyBlocks {
		return time.Now().UTC()
	}
	usable := remaining - i.cfg.DeadlineSafetyBlocks
	return time.Now().UTC().Add(time.Duration(usable) * i.cfg.BlockTime)
}

// Run consumes the backend's HTLC stream until ctx is canceled, applying
// each decision: pass-through HTLCs are resumed, rejected ones failed back,
// held ones handed to the coordinator.
func (i *Interceptor) Run(ctx context.Context) error {
	htlcs, errs, err := i.backend.InterceptHtlcs(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case streamErr := <-errs:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if streamErr != nil && i.logger != nil {
				i.logger.Printf("interceptor: htlc stream failed: %v", streamErr)
			}
			return streamErr
		case htlc, ok := <-htlcs:
			if !ok {
				return nil
			}
			i.handle(ctx, htlc)
		}
	}
}

func (i *Interceptor) handle(ctx context.Context, htlc lightning.IncomingHtlc) {
	decision, err := i.OnHtlc(ctx, htlc)
	if err != nil {
		if i.logger != nil {
			i.logger.Printf("interceptor: classify %s failed: %v", htlc.PaymentHash, err)
		}
		// No record exists yet, so failing the HTLC back costs nothing and
		// the sender simply retries.
		if cancelErr := i.backend.CancelHtlc(ctx, htlc.Ref, htlc.PaymentHash, "temporary failure"); cancelErr != nil && i.logger != nil {
			i.logger.Printf("interceptor: cancel %s failed: %v", htlc.Ref, cancelErr)
		}
		return
	}

	switch decision.Kind {
	case DecisionPassThrough:
		if err := i.backend.ResumeHtlc(ctx, htlc.Ref); err != nil && i.logger != nil {
			i.logger.Printf("interceptor: resume %s failed: %v", htlc.Ref, err)
		}
	case DecisionReject:
		if i.logger != nil {
			i.logger.Printf("interceptor: rejecting %s: %s", htlc.PaymentHash, decision.Reason)
		}
		if err := i.backend.CancelHtlc(ctx, htlc.Ref, htlc.PaymentHash, string(decision.Reason)); err != nil && i.logger != nil {
			i.logger.Printf("interceptor: cancel %s failed: %v", htlc.Ref, err)
		}
	case DecisionHold:
		if i.logger != nil {
			if hint := contractHint(htlc); hint != "" {
				i.logger.Printf("interceptor: holding %s for federation %s (%d msat, contract hint %s)", htlc.PaymentHash, decision.Record.FederationID, htlc.AmountMsat, hint)
			} else {
				i.logger.Printf("interceptor: holding %s for federation %s (%d msat)", htlc.PaymentHash, decision.Record.FederationID, htlc.AmountMsat)
			}
		}
		if i.driver != nil {
			i.driver.Drive(decision.Record)
		}
	}
}

// contractHint reads the optional onion record naming the federation-side
// contract the sender expects this payment to fund. Advisory only; the
// contract ref the federation returns on submission is authoritative.
func contractHint(htlc lightning.IncomingHtlc) string {
	if raw, ok := htlc.CustomRecords[tlvContractHint]; ok {
		return strings.TrimSpace(string(raw))
	}
	return ""
}

// paymentHashID derives the stable record id for an incoming payment.
func paymentHashID(federationID string, paymentHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(federationID+":incoming:"+paymentHash)).String()
}
