package lightning

import (
	"context"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"fedigateway/internal/lndclient"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

const (
	interceptorRetryWait = 5 * time.Second
	lookbackWindow       = 72 * time.Hour
)

// LNDBackend implements Backend on top of the LND gRPC services. Held
// forwards are tracked per circuit key so claim/cancel can answer the
// interceptor stream; HTLCs that arrive as invoice exits (no circuit key in
// our table) are settled/canceled through the invoices service instead.
type LNDBackend struct {
	client *lndclient.Client
	logger *log.Logger

	mu     sync.Mutex
	stream routerrpc.Router_HtlcInterceptorClient
	held   map[HtlcRef]*routerrpc.CircuitKey
}

func NewLNDBackend(client *lndclient.Client, logger *log.Logger) *LNDBackend {
	return &LNDBackend{
		client: client,
		logger: logger,
		held:   make(map[HtlcRef]*routerrpc.CircuitKey),
	}
}

func (b *LNDBackend) Info(ctx context.Context) (NodeInfo, error) {
	info, err := b.client.GetInfo(ctx)
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{
		Pubkey:        info.Pubkey,
		Alias:         info.Alias,
		Version:       info.Version,
		BlockHeight:   info.BlockHeight,
		SyncedToChain: info.SyncedToChain,
		SyncedToGraph: info.SyncedToGraph,
	}, nil
}

func (b *LNDBackend) BlockHeight(ctx context.Context) (uint32, error) {
	info, err := b.client.GetInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.BlockHeight, nil
}

func (b *LNDBackend) DecodeInvoice(ctx context.Context, payReq string) (Invoice, error) {
	decoded, err := b.client.DecodeInvoice(ctx, payReq)
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{
		PaymentHash: decoded.PaymentHash,
		AmountMsat:  decoded.AmountMsat,
		Destination: decoded.Destination,
		Memo:        decoded.Memo,
	}, nil
}

func (b *LNDBackend) InterceptHtlcs(ctx context.Context) (<-chan IncomingHtlc, <-chan error, error) {
	htlcs := make(chan IncomingHtlc)
	errs := make(chan error, 1)

	go func() {
		defer close(htlcs)
		defer close(errs)
		for {
			if err := b.runInterceptor(ctx, htlcs); err != nil {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}
				if b.logger != nil {
					b.logger.Printf("lnd: interceptor stream failed: %v", err)
				}
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(interceptorRetryWait):
			}
		}
	}()

	return htlcs, errs, nil
}

func (b *LNDBackend) runInterceptor(ctx context.Context, htlcs chan<- IncomingHtlc) error {
	conn, err := b.client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := routerrpc.NewRouterClient(conn).HtlcInterceptor(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.stream = stream
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.stream = nil
		b.held = make(map[HtlcRef]*routerrpc.CircuitKey)
		b.mu.Unlock()
	}()

	for {
		request, err := stream.Recv()
		if err != nil {
			return err
		}
		if request == nil || request.IncomingCircuitKey == nil {
			continue
		}

		ref := HtlcRef{
			ChanID: request.IncomingCircuitKey.ChanId,
			HtlcID: request.IncomingCircuitKey.HtlcId,
		}
		b.mu.Lock()
		b.held[ref] = request.IncomingCircuitKey
		b.mu.Unlock()

		select {
		case htlcs <- IncomingHtlc{
			Ref:           ref,
			PaymentHash:   strings.ToLower(hex.EncodeToString(request.PaymentHash)),
			AmountMsat:    request.IncomingAmountMsat,
			Expiry:        request.IncomingExpiry,
			CustomRecords: request.CustomRecords,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *LNDBackend) resolve(ref HtlcRef, action routerrpc.ResolveHoldForwardAction, preimage []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.held[ref]
	if !ok || b.stream == nil {
		return ErrHtlcNotFound
	}
	resp := &routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
		Action:             action,
	}
	if len(preimage) > 0 {
		resp.Preimage = preimage
	}
	if err := b.stream.Send(resp); err != nil {
		return err
	}
	delete(b.held, ref)
	return nil
}

func (b *LNDBackend) ClaimHtlc(ctx context.Context, ref HtlcRef, paymentHash string, preimageHex string) error {
	preimage, err := hex.DecodeString(strings.TrimSpace(preimageHex))
	if err != nil {
		return err
	}
	if !ref.IsZero() {
		if err := b.resolve(ref, routerrpc.ResolveHoldForwardAction_SETTLE, preimage); err == nil {
			return nil
		} else if err != ErrHtlcNotFound {
			return err
		}
	}
	// Not a held forward: the HTLC terminated at a hold invoice.
	return b.client.SettleInvoice(ctx, preimageHex)
}

func (b *LNDBackend) CancelHtlc(ctx context.Context, ref HtlcRef, paymentHash string, reason string) error {
	if !ref.IsZero() {
		if err := b.resolve(ref, routerrpc.ResolveHoldForwardAction_FAIL, nil); err == nil {
			return nil
		} else if err != ErrHtlcNotFound {
			return err
		}
	}
	err := b.client.CancelInvoice(ctx, paymentHash)
	if err != nil && isNotFoundRPC(err) {
		return ErrHtlcNotFound
	}
	return err
}

func (b *LNDBackend) ResumeHtlc(ctx context.Context, ref HtlcRef) error {
	return b.resolve(ref, routerrpc.ResolveHoldForwardAction_RESUME, nil)
}

func (b *LNDBackend) LookupHtlc(ctx context.Context, paymentHash string) (HtlcState, error) {
	held, err := b.client.LookupHeldHtlc(ctx, paymentHash)
	if err != nil {
		return HtlcStateUnknown, err
	}
	if held {
		return HtlcStateHeld, nil
	}

	state, err := b.client.LookupInvoiceState(ctx, paymentHash)
	if err != nil {
		if isNotFoundRPC(err) {
			return HtlcStateUnknown, nil
		}
		return HtlcStateUnknown, err
	}
	switch state {
	case lnrpc.Invoice_SETTLED:
		return HtlcStateClaimed, nil
	case lnrpc.Invoice_CANCELED:
		return HtlcStateCanceled, nil
	case lnrpc.Invoice_ACCEPTED:
		return HtlcStateHeld, nil
	default:
		return HtlcStateUnknown, nil
	}
}

func (b *LNDBackend) SendPayment(ctx context.Context, req SendRequest) (SendResult, error) {
	payment, err := b.client.SendPayment(ctx, req.Invoice, req.AmountMsat, req.FeeLimitMsat, req.TimeoutSeconds)
	if err != nil {
		return SendResult{}, err
	}
	if payment.Status == lnrpc.Payment_SUCCEEDED {
		return SendResult{
			PreimageHex: strings.ToLower(payment.PaymentPreimage),
			FeeMsat:     uint64(payment.FeeMsat),
		}, nil
	}
	return SendResult{}, &RouteError{Reason: payment.FailureReason.String()}
}

func (b *LNDBackend) LookupPayment(ctx context.Context, paymentHash string) (PaymentLookup, error) {
	outcome, err := b.client.LookupPayment(ctx, paymentHash, lookbackWindow)
	if err != nil {
		return PaymentLookup{}, err
	}
	if !outcome.Found {
		return PaymentLookup{State: PaymentStateUnknown}, nil
	}
	switch {
	case outcome.Succeeded:
		return PaymentLookup{
			State:       PaymentStateSucceeded,
			PreimageHex: outcome.PreimageHex,
			FeeMsat:     outcome.FeeMsat,
		}, nil
	case outcome.InFlight:
		return PaymentLookup{State: PaymentStateInFlight}, nil
	default:
		return PaymentLookup{State: PaymentStateFailed, FailureReason: outcome.FailureReason}, nil
	}
}

func isNotFoundRPC(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to locate invoice") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "notfound")
}

var _ Backend = (*LNDBackend)(nil)
