package gateway

import (
	"context"
	"testing"
	"time"

	"fedigateway/internal/lightning"
)

// holdIncoming injects a federation-bound HTLC, classifies it and returns
// the held record.
func holdIncoming(t *testing.T, h *gatewayHarness, seed string, amountMsat uint64) (*PaymentRecord, string, string) {
	t.Helper()
	preimage, hash := newPreimage(seed)
	h.fed.mu.Lock()
	h.fed.preimages[hash] = preimage
	h.fed.mu.Unlock()

	htlc := federationHtlc(hash, amountMsat, 800_100)
	htlc.Ref = h.backend.InjectHtlc(lightning.IncomingHtlc{
		PaymentHash:   hash,
		AmountMsat:    amountMsat,
		Expiry:        800_100,
		CustomRecords: htlc.CustomRecords,
	})

	decision, err := h.interceptor.OnHtlc(context.Background(), htlc)
	if err != nil {
		t.Fatalf("OnHtlc: %v", err)
	}
	if decision.Kind != DecisionHold {
		t.Fatalf("decision = %v, want hold", decision.Kind)
	}
	return decision.Record, preimage, hash
}

func TestIncomingHappyPath(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "happy", 50_000)

	events, cancelSub := h.bus.Subscribe()
	defer cancelSub()

	h.coordinator.Drive(rec)
	final := h.waitForState(t, rec.Key(), StateLightningSettled)

	if got := h.backend.ClaimCount(hash); got != 1 {
		t.Fatalf("claim count = %d, want exactly 1", got)
	}
	if got := h.backend.CancelCount(hash); got != 0 {
		t.Fatalf("cancel count = %d, want 0", got)
	}
	if final.ContractRef == "" {
		t.Fatal("contract ref never stamped")
	}
	if final.Preimage == "" {
		t.Fatal("preimage never persisted")
	}

	// The federation was credited the HTLC amount minus the 1500 msat fee.
	h.fed.mu.Lock()
	submitted := h.fed.submits[0]
	h.fed.mu.Unlock()
	if submitted.Kind != ContractCredit {
		t.Fatalf("contract kind = %s, want credit", submitted.Kind)
	}
	if submitted.AmountMsat != 48_500 {
		t.Fatalf("credited = %d msat, want 48500", submitted.AmountMsat)
	}

	// Settlement was announced on the bus.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.State == StateLightningSettled && evt.PaymentHash == hash {
				return
			}
		case <-deadline:
			t.Fatal("no settlement event published")
		}
	}
}

func TestIncomingFederationRejectsSubmission(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "reject-submit", 10_000)

	h.fed.mu.Lock()
	h.fed.rejectSubmit = &RejectionError{Reason: "insufficient liquidity"}
	h.fed.mu.Unlock()

	h.coordinator.Drive(rec)
	final := h.waitForState(t, rec.Key(), StateFederationRejected)

	if final.LastError != "insufficient liquidity" {
		t.Fatalf("last error = %q", final.LastError)
	}
	if got := h.backend.CancelCount(hash); got != 1 {
		t.Fatalf("cancel count = %d, want 1", got)
	}
	if got := h.backend.ClaimCount(hash); got != 0 {
		t.Fatalf("claim count = %d, want 0", got)
	}
}

func TestIncomingFinalityRejected(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "reject-finality", 10_000)

	h.fed.mu.Lock()
	h.fed.rejectFinality["contract-1"] = "invalid contract"
	h.fed.mu.Unlock()

	h.coordinator.Drive(rec)
	final := h.waitForState(t, rec.Key(), StateFederationRejected)

	if final.LastError != "invalid contract" {
		t.Fatalf("last error = %q", final.LastError)
	}
	if got := h.backend.CancelCount(hash); got != 1 {
		t.Fatalf("cancel count = %d, want 1", got)
	}
}

func TestIncomingTransientSubmitRetries(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "transient-submit", 10_000)

	h.fed.mu.Lock()
	h.fed.transientSubmits = 1
	h.fed.mu.Unlock()

	h.coordinator.Drive(rec)
	final := h.waitForState(t, rec.Key(), StateLightningSettled)

	if final.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0: transient retries do not consume attempts", final.AttemptCount)
	}
	if got := h.backend.ClaimCount(hash); got != 1 {
		t.Fatalf("claim count = %d, want 1", got)
	}
}

func TestIncomingDeadlineAborts(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "deadline", 10_000)

	// Force the deadline into the past before driving.
	h.store.mu.Lock()
	h.store.recs[rec.Key()].Deadline = time.Now().Add(-time.Minute)
	h.store.mu.Unlock()
	rec.Deadline = time.Now().Add(-time.Minute)

	h.coordinator.Drive(rec)
	final := h.waitForState(t, rec.Key(), StateAborted)

	if final.LastError != "deadline elapsed" {
		t.Fatalf("last error = %q", final.LastError)
	}
	if got := h.backend.CancelCount(hash); got != 1 {
		t.Fatalf("cancel count = %d, want 1", got)
	}
	if got := h.backend.ClaimCount(hash); got != 0 {
		t.Fatalf("claim count = %d, want 0", got)
	}
	if h.fed.submitCount() != 0 {
		t.Fatal("expired record must not submit a contract")
	}
}

// TestFinalityBeatsDeadline pins the tie-break: when finality is persisted
// first, a racing deadline abort loses its compare-and-set and the reloaded
// record is claimed, even though the wall clock has passed the deadline.
func TestFinalityBeatsDeadline(t *testing.T) {
	h := newGatewayHarness(t)
	rec, preimage, hash := holdIncoming(t, h, "tiebreak", 10_000)

	ctx := context.Background()
	if err := h.store.Transition(ctx, rec.Key(), StateReceived, StateFederationSubmitted, RecordUpdate{ContractRef: "contract-1"}); err != nil {
		t.Fatalf("to submitted: %v", err)
	}
	// Finality lands in the store first.
	if err := h.store.Transition(ctx, rec.Key(), StateFederationSubmitted, StateFederationFinalized, RecordUpdate{Preimage: preimage}); err != nil {
		t.Fatalf("to finalized: %v", err)
	}

	// A driver holding a stale view races in with an expired deadline.
	stale := *rec
	stale.State = StateFederationSubmitted
	stale.ContractRef = "contract-1"
	stale.Deadline = time.Now().Add(-time.Minute)
	h.coordinator.Drive(&stale)

	final := h.waitForState(t, rec.Key(), StateLightningSettled)
	if final.State != StateLightningSettled {
		t.Fatalf("state = %s", final.State)
	}
	if got := h.backend.ClaimCount(hash); got != 1 {
		t.Fatalf("claim count = %d, want 1", got)
	}
	if got := h.backend.CancelCount(hash); got != 0 {
		t.Fatalf("cancel count = %d, want 0", got)
	}
}

// TestClaimMissingHtlcQuarantines covers the double-failure corner: the
// federation finalized but the HTLC vanished, so the record is parked for
// an operator instead of guessing.
func TestClaimMissingHtlcQuarantines(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "quarantine", 10_000)

	// The HTLC disappears from the backend before the claim.
	ref, err := lightning.ParseHtlcRef(rec.HtlcRef)
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}
	if err := h.backend.CancelHtlc(context.Background(), ref, hash, "external"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.coordinator.Drive(rec)
	final := h.waitForState(t, rec.Key(), StateQuarantined)
	if final.LastError == "" {
		t.Fatal("quarantined record carries no reason")
	}
}

func TestDriveSerializesPerRecord(t *testing.T) {
	h := newGatewayHarness(t)
	rec, _, hash := holdIncoming(t, h, "serialize", 10_000)

	// Many concurrent drives of the same record must not double-claim.
	for i := 0; i < 8; i++ {
		h.coordinator.Drive(rec)
	}
	h.waitForState(t, rec.Key(), StateLightningSettled)
	if got := h.backend.ClaimCount(hash); got != 1 {
		t.Fatalf("claim count = %d, want exactly 1", got)
	}
}

func TestSweepResumesStalledRecord(t *testing.T) {
	store := newMemStore()
	backend := lightning.NewRegtestBackend(800_000)
	fed := newFakeFederationClient()
	logger := testLogger(t)

	registry := NewRegistry(store, logger)
	if err := registry.Register(context.Background(), FederationRegistration{ID: "F1", Endpoint: "http://federation-one.local"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	adapter := NewAdapter(fed, registry, logger, 10*time.Millisecond)
	coordinator := NewCoordinator(backend, adapter, store, NewEventBus(), logger, CoordinatorConfig{
		SweepInterval: 20 * time.Millisecond,
	})

	preimage, hash := newPreimage("sweep")
	fed.mu.Lock()
	fed.preimages[hash] = preimage
	fed.mu.Unlock()

	ref := backend.InjectHtlc(lightning.IncomingHtlc{PaymentHash: hash, AmountMsat: 5_000, Expiry: 800_100})
	rec := &PaymentRecord{
		ID:           "stalled",
		Direction:    DirectionIncoming,
		FederationID: "F1",
		PaymentHash:  hash,
		AmountMsat:   5_000,
		HtlcRef:      ref.String(),
		State:        StateReceived,
		Deadline:     time.Now().Add(time.Hour),
	}
	if err := store.InsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Nothing drives the record explicitly; the sweep must pick it up.
	coordinator.Start()
	defer coordinator.Stop()

	key := rec.Key()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetRecord(context.Background(), key)
		if err == nil && got.State == StateLightningSettled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := store.GetRecord(context.Background(), key)
	t.Fatalf("sweep never settled the record, state = %s", got.State)
}
