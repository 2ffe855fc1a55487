package gateway

import (
	"context"
	"log"
	"time"
)

// FinalityProof is what AwaitFinality returns once the federation's
// consensus has irreversibly confirmed a contract.
type FinalityProof struct {
	ContractRef string
	Proof       string
}

// Adapter translates coordinator intents into federation contract
// operations. It resolves the federation registration per call so
// administrative updates take effect without a restart.
type Adapter struct {
	client       FederationClient
	registry     *Registry
	logger       *log.Logger
	pollInterval time.Duration
}

func NewAdapter(client FederationClient, registry *Registry, logger *log.Logger, pollInterval time.Duration) *Adapter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Adapter{
		client:       client,
		registry:     registry,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Submit sends the record's contract to its federation. Incoming payments
// credit the client with the HTLC amount minus the gateway fee; outgoing
// payments debit the full reserved amount. Resubmitting the same record
// after a crash is idempotent through the operation id.
func (a *Adapter) Submit(ctx context.Context, rec *PaymentRecord) (string, error) {
	reg, err := a.registry.Lookup(rec.FederationID)
	if err != nil {
		return "", err
	}

	req := ContractRequest{
		OperationID: rec.ID,
		PaymentHash: rec.PaymentHash,
	}
	switch rec.Direction {
	case DirectionIncoming:
		req.Kind = ContractCredit
		req.AmountMsat = rec.CreditMsat()
	case DirectionOutgoing:
		req.Kind = ContractDebit
		req.AmountMsat = rec.AmountMsat + rec.FeeReservedMsat
	}

	ref, err := a.client.SubmitContract(ctx, reg, req)
	if err != nil {
		return "", err
	}
	if a.logger != nil {
		a.logger.Printf("adapter: submitted %s contract %s for %s", req.Kind, ref, rec.Key())
	}
	return ref, nil
}

// AwaitFinality polls the contract until consensus confirms or rejects it,
// or ctx expires. Transient poll failures are absorbed; the deadline on ctx
// bounds the wait.
func (a *Adapter) AwaitFinality(ctx context.Context, rec *PaymentRecord) (FinalityProof, error) {
	reg, err := a.registry.Lookup(rec.FederationID)
	if err != nil {
		return FinalityProof{}, err
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		status, err := a.client.ContractStatus(ctx, reg, rec.ContractRef)
		switch {
		case err == nil && status.State == FinalityFinalized:
			return FinalityProof{ContractRef: rec.ContractRef, Proof: status.Proof}, nil
		case err == nil && status.State == FinalityRejected:
			reason := status.Reason
			if reason == "" {
				reason = "contract rejected"
			}
			return FinalityProof{}, &RejectionError{Reason: reason}
		case err != nil && !IsTransient(err):
			return FinalityProof{}, err
		case err != nil:
			if a.logger != nil {
				a.logger.Printf("adapter: finality poll for %s: %v", rec.Key(), err)
			}
		}

		select {
		case <-ctx.Done():
			return FinalityProof{}, transientf("federation", "finality wait ended: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// SettleDebit tells the federation to settle an outgoing debit contract,
// handing over the preimage as proof the Lightning payment completed.
func (a *Adapter) SettleDebit(ctx context.Context, rec *PaymentRecord) error {
	reg, err := a.registry.Lookup(rec.FederationID)
	if err != nil {
		return err
	}
	return a.client.SettleContract(ctx, reg, rec.ContractRef, rec.Preimage)
}

// Refund releases the funds a contract reserved. Used when an outgoing
// payment definitively fails after its debit contract was submitted.
func (a *Adapter) Refund(ctx context.Context, rec *PaymentRecord) error {
	reg, err := a.registry.Lookup(rec.FederationID)
	if err != nil {
		return err
	}
	if err := a.client.RefundContract(ctx, reg, rec.ContractRef); err != nil {
		return err
	}
	if a.logger != nil {
		a.logger.Printf("adapter: refunded contract %s for %s", rec.ContractRef, rec.Key())
	}
	return nil
}
