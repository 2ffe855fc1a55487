package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"fedigateway/internal/lightning"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	if testing.Verbose() {
		return log.New(os.Stdout, "", log.LstdFlags)
	}
	return nil
}

// memStore is an in-memory RecordStore, FederationStore and IntentStore
// with the same compare-and-set and write-once semantics as the Postgres
// store.
type memStore struct {
	mu      sync.Mutex
	recs    map[RecordKey]*PaymentRecord
	feds    map[string]FederationRegistration
	intents map[string]PaymentIntent
}

func newMemStore() *memStore {
	return &memStore{
		recs:    make(map[RecordKey]*PaymentRecord),
		feds:    make(map[string]FederationRegistration),
		intents: make(map[string]PaymentIntent),
	}
}

func (m *memStore) InsertRecord(ctx context.Context, rec *PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Key()
	if _, ok := m.recs[key]; ok {
		return ErrDuplicateRecord
	}
	cp := *rec
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.recs[key] = &cp
	return nil
}

func (m *memStore) GetRecord(ctx context.Context, key RecordKey) (*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) GetRecordByID(ctx context.Context, id string) (*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *memStore) Transition(ctx context.Context, key RecordKey, from State, to State, update RecordUpdate) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("transition not allowed: %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.State != from {
		return ErrStaleTransition
	}
	rec.State = to
	if rec.HtlcRef == "" {
		rec.HtlcRef = update.HtlcRef
	}
	if rec.ContractRef == "" {
		rec.ContractRef = update.ContractRef
	}
	if rec.Preimage == "" {
		rec.Preimage = update.Preimage
	}
	if update.ClearError {
		rec.LastError = ""
	} else if strings.TrimSpace(update.LastError) != "" {
		rec.LastError = strings.TrimSpace(update.LastError)
	}
	if update.IncrementAttempt {
		rec.AttemptCount++
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) RecordAttempt(ctx context.Context, key RecordKey, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return ErrRecordNotFound
	}
	rec.AttemptCount++
	rec.LastError = strings.TrimSpace(lastError)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) NoteError(ctx context.Context, key RecordKey, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return ErrRecordNotFound
	}
	rec.LastError = strings.TrimSpace(lastError)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListActive(ctx context.Context) ([]*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*PaymentRecord{}
	for _, rec := range m.recs {
		if !rec.State.Terminal() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListRecords(ctx context.Context, limit int) ([]*PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*PaymentRecord{}
	for _, rec := range m.recs {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpsertFederation(ctx context.Context, reg FederationRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feds[reg.ID] = reg
	return nil
}

func (m *memStore) RemoveFederation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feds[id]; !ok {
		return ErrUnknownFederation
	}
	delete(m.feds, id)
	return nil
}

func (m *memStore) ListFederations(ctx context.Context) ([]FederationRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []FederationRegistration{}
	for _, reg := range m.feds {
		out = append(out, reg)
	}
	return out, nil
}

func (m *memStore) PutIntent(ctx context.Context, intent PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intent.PaymentHash] = intent
	return nil
}

func (m *memStore) LookupIntent(ctx context.Context, paymentHash string) (PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[paymentHash]
	if !ok {
		return PaymentIntent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (m *memStore) DeleteIntent(ctx context.Context, federationID string, paymentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intents, paymentHash)
	return nil
}

func (m *memStore) DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

var (
	_ RecordStore     = (*memStore)(nil)
	_ FederationStore = (*memStore)(nil)
	_ IntentStore     = (*memStore)(nil)
)

// fakeFederationClient scripts federation behavior per contract. Contracts
// finalize immediately by default; preimages map payment hashes to the
// secret consensus would reveal.
type fakeFederationClient struct {
	mu sync.Mutex

	nextContract     int
	transientSubmits int
	rejectSubmit     *RejectionError
	preimages        map[string]string
	rejectFinality   map[string]string
	pendingPolls     map[string]int
	settleErr        error
	refundErr        error

	submits  []ContractRequest
	settled  []string
	refunded []string
}

func newFakeFederationClient() *fakeFederationClient {
	return &fakeFederationClient{
		preimages:      make(map[string]string),
		rejectFinality: make(map[string]string),
		pendingPolls:   make(map[string]int),
	}
}

func (f *fakeFederationClient) SubmitContract(ctx context.Context, reg FederationRegistration, req ContractRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transientSubmits > 0 {
		f.transientSubmits--
		return "", transientf("federation", "endpoint unavailable")
	}
	if f.rejectSubmit != nil {
		return "", f.rejectSubmit
	}
	// Resubmitting the same operation returns the same contract.
	for i, prev := range f.submits {
		if prev.OperationID == req.OperationID {
			return fmt.Sprintf("contract-%d", i+1), nil
		}
	}
	f.submits = append(f.submits, req)
	f.nextContract++
	return fmt.Sprintf("contract-%d", f.nextContract), nil
}

func (f *fakeFederationClient) ContractStatus(ctx context.Context, reg FederationRegistration, contractRef string) (ContractStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason, ok := f.rejectFinality[contractRef]; ok {
		return ContractStatus{State: FinalityRejected, Reason: reason}, nil
	}
	if f.pendingPolls[contractRef] > 0 {
		f.pendingPolls[contractRef]--
		return ContractStatus{State: FinalityPending}, nil
	}

	proof := ""
	for i, req := range f.submits {
		if fmt.Sprintf("contract-%d", i+1) == contractRef && req.Kind == ContractCredit {
			proof = f.preimages[req.PaymentHash]
		}
	}
	return ContractStatus{State: FinalityFinalized, Proof: proof}, nil
}

func (f *fakeFederationClient) SettleContract(ctx context.Context, reg FederationRegistration, contractRef string, preimageHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	f.settled = append(f.settled, contractRef)
	return nil
}

func (f *fakeFederationClient) RefundContract(ctx context.Context, reg FederationRegistration, contractRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunded = append(f.refunded, contractRef)
	return nil
}

func (f *fakeFederationClient) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunded)
}

func (f *fakeFederationClient) settleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

func (f *fakeFederationClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

var _ FederationClient = (*fakeFederationClient)(nil)

// newPreimage returns a hex preimage and the hex payment hash it commits to.
func newPreimage(seed string) (string, string) {
	sum := sha256.Sum256([]byte("seed:" + seed))
	preimage := hex.EncodeToString(sum[:])
	hash := sha256.Sum256(sum[:])
	return preimage, hex.EncodeToString(hash[:])
}

// gatewayHarness wires a coordinator against the in-memory store, a fake
// federation and the regtest backend.
type gatewayHarness struct {
	store       *memStore
	backend     *lightning.RegtestBackend
	fed         *fakeFederationClient
	registry    *Registry
	adapter     *Adapter
	coordinator *Coordinator
	interceptor *Interceptor
	dispatcher  *Dispatcher
	bus         *EventBus
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	store := newMemStore()
	backend := lightning.NewRegtestBackend(800_000)
	fed := newFakeFederationClient()
	logger := testLogger(t)

	registry := NewRegistry(store, logger)
	if err := registry.Register(context.Background(), FederationRegistration{
		ID:          "F1",
		Endpoint:    "http://federation-one.local",
		FeeBaseMsat: 1_000,
		FeeRatePpm:  10_000,
	}); err != nil {
		t.Fatalf("register federation: %v", err)
	}

	bus := NewEventBus()
	adapter := NewAdapter(fed, registry, logger, 10*time.Millisecond)
	// Sweeping is exercised separately; a long interval keeps it out of the
	// way so tests control exactly when records are driven.
	coordinator := NewCoordinator(backend, adapter, store, bus, logger, CoordinatorConfig{
		SweepInterval:       time.Hour,
		MaxRouteAttempts:    3,
		RouteTimeoutSeconds: 1,
		RouteFeeLimitMsat:   1_000,
	})
	interceptor := NewInterceptor(backend, registry, store, store, coordinator, logger, InterceptorConfig{
		MinExpiryDeltaBlocks: 18,
		DeadlineSafetyBlocks: 6,
		BlockTime:            10 * time.Minute,
	})
	dispatcher := NewDispatcher(backend, registry, store, coordinator, logger, time.Minute)

	coordinator.Start()
	t.Cleanup(coordinator.Stop)

	return &gatewayHarness{
		store:       store,
		backend:     backend,
		fed:         fed,
		registry:    registry,
		adapter:     adapter,
		coordinator: coordinator,
		interceptor: interceptor,
		dispatcher:  dispatcher,
		bus:         bus,
	}
}

// waitForState polls until the record reaches want or the timeout passes.
func (h *gatewayHarness) waitForState(t *testing.T, key RecordKey, want State) *PaymentRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.store.GetRecord(context.Background(), key)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, err := h.store.GetRecord(context.Background(), key)
	if err != nil {
		t.Fatalf("record %s never appeared: %v", key, err)
	}
	t.Fatalf("record %s stuck in %s, want %s (last error %q)", key, rec.State, want, rec.LastError)
	return nil
}
