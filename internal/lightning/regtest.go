package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// RegtestBackend is a deterministic in-process Backend used when the gateway
// runs with `backend: regtest` and by the test suites. HTLCs are injected by
// the caller; claims, cancels and dispatched payments are recorded so their
// counts can be asserted.
type RegtestBackend struct {
	mu sync.Mutex

	height   uint32
	nextID   uint64
	pending  chan IncomingHtlc
	htlcs    map[HtlcRef]*regtestHtlc
	claims   map[string]int
	cancels  map[string]int
	resumes  int
	invoices map[string]Invoice
	payments map[string]PaymentLookup
	sendErrs map[string][]error
	sendFee  uint64
}

// regtestHtlc tracks one circuit's resolution. Two HTLCs for the same
// payment hash resolve independently, matching how the node treats circuit
// keys.
type regtestHtlc struct {
	htlc  IncomingHtlc
	state HtlcState
}

func NewRegtestBackend(height uint32) *RegtestBackend {
	return &RegtestBackend{
		height:   height,
		pending:  make(chan IncomingHtlc, 64),
		htlcs:    make(map[HtlcRef]*regtestHtlc),
		claims:   make(map[string]int),
		cancels:  make(map[string]int),
		invoices: make(map[string]Invoice),
		payments: make(map[string]PaymentLookup),
		sendErrs: make(map[string][]error),
	}
}

func (b *RegtestBackend) Info(ctx context.Context) (NodeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return NodeInfo{
		Pubkey:        "02regtest",
		Alias:         "regtest",
		Version:       "regtest",
		BlockHeight:   b.height,
		SyncedToChain: true,
		SyncedToGraph: true,
	}, nil
}

func (b *RegtestBackend) BlockHeight(ctx context.Context) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height, nil
}

func (b *RegtestBackend) SetBlockHeight(height uint32) {
	b.mu.Lock()
	b.height = height
	b.mu.Unlock()
}

// RegisterInvoice makes a bolt11 string decodable by this backend.
func (b *RegtestBackend) RegisterInvoice(payReq string, inv Invoice) {
	b.mu.Lock()
	b.invoices[strings.TrimSpace(payReq)] = inv
	b.mu.Unlock()
}

func (b *RegtestBackend) DecodeInvoice(ctx context.Context, payReq string) (Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[strings.TrimSpace(payReq)]
	if !ok {
		return Invoice{}, errors.New("unknown invoice")
	}
	return inv, nil
}

// InjectHtlc simulates the arrival of an incoming HTLC and returns the
// assigned circuit key. Injecting the same ref twice models backend
// redelivery after a restart.
func (b *RegtestBackend) InjectHtlc(h IncomingHtlc) HtlcRef {
	b.mu.Lock()
	if h.Ref.IsZero() {
		b.nextID++
		h.Ref = HtlcRef{ChanID: 1, HtlcID: b.nextID}
	}
	b.htlcs[h.Ref] = &regtestHtlc{htlc: h, state: HtlcStateHeld}
	b.mu.Unlock()
	b.pending <- h
	return h.Ref
}

// resolve finds the circuit entry for a claim or cancel. The zero ref models
// an invoice exit, which carries no circuit key; it matches the held HTLC
// for the hash instead. Callers hold b.mu.
func (b *RegtestBackend) resolve(ref HtlcRef, paymentHash string) *regtestHtlc {
	hash := strings.ToLower(paymentHash)
	if !ref.IsZero() {
		entry, ok := b.htlcs[ref]
		if !ok || strings.ToLower(entry.htlc.PaymentHash) != hash {
			return nil
		}
		return entry
	}
	for _, entry := range b.htlcs {
		if strings.ToLower(entry.htlc.PaymentHash) == hash && entry.state == HtlcStateHeld {
			return entry
		}
	}
	return nil
}

func (b *RegtestBackend) InterceptHtlcs(ctx context.Context) (<-chan IncomingHtlc, <-chan error, error) {
	out := make(chan IncomingHtlc)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case h := <-b.pending:
				select {
				case out <- h:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()
	return out, errs, nil
}

func (b *RegtestBackend) ClaimHtlc(ctx context.Context, ref HtlcRef, paymentHash string, preimageHex string) error {
	preimage, err := hex.DecodeString(preimageHex)
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	if hex.EncodeToString(hash[:]) != strings.ToLower(paymentHash) {
		return errors.New("preimage does not match payment hash")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.resolve(ref, paymentHash)
	if entry == nil || entry.state == HtlcStateCanceled {
		return ErrHtlcNotFound
	}
	entry.state = HtlcStateClaimed
	b.claims[paymentHash]++
	return nil
}

func (b *RegtestBackend) CancelHtlc(ctx context.Context, ref HtlcRef, paymentHash string, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.resolve(ref, paymentHash)
	if entry == nil || entry.state == HtlcStateClaimed {
		return ErrHtlcNotFound
	}
	entry.state = HtlcStateCanceled
	b.cancels[paymentHash]++
	return nil
}

func (b *RegtestBackend) ResumeHtlc(ctx context.Context, ref HtlcRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.htlcs, ref)
	b.resumes++
	return nil
}

// LookupHtlc reports the hash's overall fate: claimed wins over held, held
// over canceled, so a canceled duplicate never masks the live circuit.
func (b *RegtestBackend) LookupHtlc(ctx context.Context, paymentHash string) (HtlcState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hash := strings.ToLower(paymentHash)
	state := HtlcStateUnknown
	for _, entry := range b.htlcs {
		if strings.ToLower(entry.htlc.PaymentHash) != hash {
			continue
		}
		switch entry.state {
		case HtlcStateClaimed:
			return HtlcStateClaimed, nil
		case HtlcStateHeld:
			state = HtlcStateHeld
		case HtlcStateCanceled:
			if state == HtlcStateUnknown {
				state = HtlcStateCanceled
			}
		}
	}
	return state, nil
}

// FailNextSend queues a failure for the next SendPayment of the given
// invoice. Queued failures are consumed in order; with the queue empty the
// send succeeds. A *RouteError models a routing failure; any other error
// models transport trouble.
func (b *RegtestBackend) FailNextSend(payReq string, err error) {
	key := strings.TrimSpace(payReq)
	b.mu.Lock()
	b.sendErrs[key] = append(b.sendErrs[key], err)
	b.mu.Unlock()
}

func (b *RegtestBackend) SetSendFeeMsat(fee uint64) {
	b.mu.Lock()
	b.sendFee = fee
	b.mu.Unlock()
}

func (b *RegtestBackend) SendPayment(ctx context.Context, req SendRequest) (SendResult, error) {
	key := strings.TrimSpace(req.Invoice)

	b.mu.Lock()
	if queued := b.sendErrs[key]; len(queued) > 0 {
		err := queued[0]
		b.sendErrs[key] = queued[1:]
		b.mu.Unlock()
		return SendResult{}, err
	}
	inv, ok := b.invoices[key]
	fee := b.sendFee
	b.mu.Unlock()
	if !ok {
		return SendResult{}, &RouteError{Reason: "FAILURE_REASON_NO_ROUTE"}
	}

	// Derive a stable fake preimage from the hash so lookups agree.
	preimage := fakePreimage(inv.PaymentHash)

	b.mu.Lock()
	b.payments[inv.PaymentHash] = PaymentLookup{
		State:       PaymentStateSucceeded,
		PreimageHex: preimage,
		FeeMsat:     fee,
	}
	b.mu.Unlock()

	return SendResult{PreimageHex: preimage, FeeMsat: fee}, nil
}

// RecordPaymentOutcome seeds the payment history, simulating a payment whose
// fate was decided before a restart.
func (b *RegtestBackend) RecordPaymentOutcome(paymentHash string, lookup PaymentLookup) {
	b.mu.Lock()
	b.payments[strings.ToLower(paymentHash)] = lookup
	b.mu.Unlock()
}

func (b *RegtestBackend) LookupPayment(ctx context.Context, paymentHash string) (PaymentLookup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lookup, ok := b.payments[strings.ToLower(paymentHash)]; ok {
		return lookup, nil
	}
	return PaymentLookup{State: PaymentStateUnknown}, nil
}

func (b *RegtestBackend) ClaimCount(paymentHash string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claims[paymentHash]
}

func (b *RegtestBackend) CancelCount(paymentHash string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels[paymentHash]
}

func (b *RegtestBackend) ResumeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumes
}

func fakePreimage(paymentHash string) string {
	sum := sha256.Sum256([]byte("regtest-preimage:" + strings.ToLower(paymentHash)))
	return hex.EncodeToString(sum[:])
}

var _ Backend = (*RegtestBackend)(nil)
