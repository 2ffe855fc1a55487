package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestParseHtlcRef(t *testing.T) {
	tests := []struct {
		in      string
		want    HtlcRef
		wantErr bool
	}{
		{in: "123:7", want: HtlcRef{ChanID: 123, HtlcID: 7}},
		{in: "0:0", want: HtlcRef{}},
		{in: "123", wantErr: true},
		{in: "123:7:9", wantErr: true},
		{in: "abc:7", wantErr: true},
		// Invoice-exit records store no circuit key; the empty string parses
		// to the zero ref.
		{in: "", want: HtlcRef{}},
	}
	for _, tt := range tests {
		got, err := ParseHtlcRef(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseHtlcRef(%q): expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHtlcRef(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseHtlcRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHtlcRefString(t *testing.T) {
	ref := HtlcRef{ChanID: 42, HtlcID: 3}
	if got := ref.String(); got != "42:3" {
		t.Fatalf("String() = %q, want %q", got, "42:3")
	}
	back, err := ParseHtlcRef(ref.String())
	if err != nil {
		t.Fatalf("ParseHtlcRef round trip: %v", err)
	}
	if back != ref {
		t.Fatalf("round trip = %v, want %v", back, ref)
	}
}

func testPreimage(t *testing.T) (preimageHex, hashHex string) {
	t.Helper()
	preimage := []byte("0123456789abcdef0123456789abcdef")
	hash := sha256.Sum256(preimage)
	return hex.EncodeToString(preimage), hex.EncodeToString(hash[:])
}

func TestRegtestClaimExactlyOnce(t *testing.T) {
	b := NewRegtestBackend(800_000)
	preimage, hash := testPreimage(t)

	ref := b.InjectHtlc(IncomingHtlc{PaymentHash: hash, AmountMsat: 50_000, Expiry: 800_100})

	if err := b.ClaimHtlc(context.Background(), ref, hash, preimage); err != nil {
		t.Fatalf("ClaimHtlc: %v", err)
	}
	if got := b.ClaimCount(hash); got != 1 {
		t.Fatalf("ClaimCount = %d, want 1", got)
	}

	// A cancel after a claim must not succeed.
	if err := b.CancelHtlc(context.Background(), ref, hash, "late"); !errors.Is(err, ErrHtlcNotFound) {
		t.Fatalf("CancelHtlc after claim: %v, want ErrHtlcNotFound", err)
	}
	state, err := b.LookupHtlc(context.Background(), hash)
	if err != nil {
		t.Fatalf("LookupHtlc: %v", err)
	}
	if state != HtlcStateClaimed {
		t.Fatalf("state = %v, want claimed", state)
	}
}

func TestRegtestClaimRejectsWrongPreimage(t *testing.T) {
	b := NewRegtestBackend(800_000)
	_, hash := testPreimage(t)
	ref := b.InjectHtlc(IncomingHtlc{PaymentHash: hash, AmountMsat: 1_000, Expiry: 800_100})

	wrong := hex.EncodeToString([]byte("ffffffffffffffffffffffffffffffff"))
	if err := b.ClaimHtlc(context.Background(), ref, hash, wrong); err == nil {
		t.Fatal("ClaimHtlc accepted a preimage that does not hash to the payment hash")
	}
}

func TestRegtestCancelThenClaimFails(t *testing.T) {
	b := NewRegtestBackend(800_000)
	preimage, hash := testPreimage(t)
	ref := b.InjectHtlc(IncomingHtlc{PaymentHash: hash, AmountMsat: 1_000, Expiry: 800_100})

	if err := b.CancelHtlc(context.Background(), ref, hash, "expiry too close"); err != nil {
		t.Fatalf("CancelHtlc: %v", err)
	}
	if err := b.ClaimHtlc(context.Background(), ref, hash, preimage); !errors.Is(err, ErrHtlcNotFound) {
		t.Fatalf("ClaimHtlc after cancel: %v, want ErrHtlcNotFound", err)
	}
	if got := b.CancelCount(hash); got != 1 {
		t.Fatalf("CancelCount = %d, want 1", got)
	}
}

func TestRegtestResolvesPerCircuit(t *testing.T) {
	b := NewRegtestBackend(800_000)
	preimage, hash := testPreimage(t)

	first := b.InjectHtlc(IncomingHtlc{PaymentHash: hash, AmountMsat: 10_000, Expiry: 800_100})
	second := b.InjectHtlc(IncomingHtlc{PaymentHash: hash, AmountMsat: 10_000, Expiry: 800_100})
	if first == second {
		t.Fatalf("both injections got ref %v", first)
	}

	// Canceling the duplicate circuit must leave the original hold intact.
	if err := b.CancelHtlc(context.Background(), second, hash, "duplicate hold"); err != nil {
		t.Fatalf("CancelHtlc duplicate: %v", err)
	}
	state, err := b.LookupHtlc(context.Background(), hash)
	if err != nil {
		t.Fatalf("LookupHtlc: %v", err)
	}
	if state != HtlcStateHeld {
		t.Fatalf("state after duplicate cancel = %v, want held", state)
	}

	if err := b.ClaimHtlc(context.Background(), first, hash, preimage); err != nil {
		t.Fatalf("ClaimHtlc original: %v", err)
	}
	if got := b.ClaimCount(hash); got != 1 {
		t.Fatalf("ClaimCount = %d, want 1", got)
	}
	state, err = b.LookupHtlc(context.Background(), hash)
	if err != nil {
		t.Fatalf("LookupHtlc: %v", err)
	}
	if state != HtlcStateClaimed {
		t.Fatalf("state after claim = %v, want claimed", state)
	}
}

func TestRegtestInterceptDelivers(t *testing.T) {
	b := NewRegtestBackend(800_000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	htlcs, _, err := b.InterceptHtlcs(ctx)
	if err != nil {
		t.Fatalf("InterceptHtlcs: %v", err)
	}

	_, hash := testPreimage(t)
	ref := b.InjectHtlc(IncomingHtlc{PaymentHash: hash, AmountMsat: 25_000, Expiry: 800_050})

	got := <-htlcs
	if got.Ref != ref {
		t.Fatalf("delivered ref = %v, want %v", got.Ref, ref)
	}
	if got.PaymentHash != hash {
		t.Fatalf("delivered hash = %q, want %q", got.PaymentHash, hash)
	}
}

func TestRegtestSendPayment(t *testing.T) {
	b := NewRegtestBackend(800_000)
	_, hash := testPreimage(t)
	b.RegisterInvoice("lnbcrt1invoice", Invoice{PaymentHash: hash, AmountMsat: 10_000})
	b.SetSendFeeMsat(12)

	res, err := b.SendPayment(context.Background(), SendRequest{Invoice: "lnbcrt1invoice", FeeLimitMsat: 1_000})
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if res.PreimageHex == "" {
		t.Fatal("SendPayment returned empty preimage")
	}
	if res.FeeMsat != 12 {
		t.Fatalf("FeeMsat = %d, want 12", res.FeeMsat)
	}

	lookup, err := b.LookupPayment(context.Background(), hash)
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if lookup.State != PaymentStateSucceeded {
		t.Fatalf("payment state = %v, want succeeded", lookup.State)
	}
	if lookup.PreimageHex != res.PreimageHex {
		t.Fatal("LookupPayment preimage differs from SendPayment result")
	}
}

func TestRegtestSendPaymentRouteFailure(t *testing.T) {
	b := NewRegtestBackend(800_000)
	_, hash := testPreimage(t)
	b.RegisterInvoice("lnbcrt1dead", Invoice{PaymentHash: hash, AmountMsat: 10_000})
	b.FailNextSend("lnbcrt1dead", &RouteError{Reason: "FAILURE_REASON_NO_ROUTE"})

	_, err := b.SendPayment(context.Background(), SendRequest{Invoice: "lnbcrt1dead"})
	var routeErr *RouteError
	if !errors.As(err, &routeErr) {
		t.Fatalf("SendPayment error = %v, want *RouteError", err)
	}
}
