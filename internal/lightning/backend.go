package lightning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Backend is the node-agnostic Lightning capability the gateway runs
// against. The LND implementation talks gRPC; the regtest implementation is
// an in-process simulator used in development mode and by tests. Both must
// tolerate concurrent calls for different payment hashes.
type Backend interface {
	Info(ctx context.Context) (NodeInfo, error)
	BlockHeight(ctx context.Context) (uint32, error)
	DecodeInvoice(ctx context.Context, payReq string) (Invoice, error)

	// InterceptHtlcs delivers incoming HTLC notifications until ctx is
	// canceled. Held HTLCs are resolved later through ClaimHtlc,
	// CancelHtlc or ResumeHtlc.
	InterceptHtlcs(ctx context.Context) (<-chan IncomingHtlc, <-chan error, error)
	ClaimHtlc(ctx context.Context, ref HtlcRef, paymentHash string, preimageHex string) error
	CancelHtlc(ctx context.Context, ref HtlcRef, paymentHash string, reason string) error
	ResumeHtlc(ctx context.Context, ref HtlcRef) error
	LookupHtlc(ctx context.Context, paymentHash string) (HtlcState, error)

	SendPayment(ctx context.Context, req SendRequest) (SendResult, error)
	LookupPayment(ctx context.Context, paymentHash string) (PaymentLookup, error)
}

type NodeInfo struct {
	Pubkey        string
	Alias         string
	Version       string
	BlockHeight   uint32
	SyncedToChain bool
	SyncedToGraph bool
}

type Invoice struct {
	PaymentHash string
	AmountMsat  uint64
	Destination string
	Memo        string
}

// HtlcRef identifies a held forward by its incoming circuit key. The zero
// value marks an HTLC that arrived as an invoice exit rather than a forward.
type HtlcRef struct {
	ChanID uint64
	HtlcID uint64
}

func (r HtlcRef) IsZero() bool {
	return r.ChanID == 0 && r.HtlcID == 0
}

func (r HtlcRef) String() string {
	if r.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d:%d", r.ChanID, r.HtlcID)
}

func ParseHtlcRef(value string) (HtlcRef, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return HtlcRef{}, nil
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) != 2 {
		return HtlcRef{}, errors.New("htlc ref must be chan_id:htlc_id")
	}
	chanID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return HtlcRef{}, errors.New("invalid htlc ref chan_id")
	}
	htlcID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return HtlcRef{}, errors.New("invalid htlc ref htlc_id")
	}
	return HtlcRef{ChanID: chanID, HtlcID: htlcID}, nil
}

// IncomingHtlc is one HTLC notification. Expiry is the absolute block height
// of the HTLC's CLTV timeout. CustomRecords carries the onion TLV payload.
type IncomingHtlc struct {
	Ref           HtlcRef
	PaymentHash   string
	AmountMsat    uint64
	Expiry        uint32
	CustomRecords map[uint64][]byte
}

type HtlcState int

const (
	HtlcStateUnknown HtlcState = iota
	HtlcStateHeld
	HtlcStateClaimed
	HtlcStateCanceled
)

func (s HtlcState) String() string {
	switch s {
	case HtlcStateHeld:
		return "held"
	case HtlcStateClaimed:
		return "claimed"
	case HtlcStateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type SendRequest struct {
	Invoice        string
	AmountMsat     uint64
	FeeLimitMsat   uint64
	TimeoutSeconds int32
}

type SendResult struct {
	PreimageHex string
	FeeMsat     uint64
}

type PaymentState int

const (
	PaymentStateUnknown PaymentState = iota
	PaymentStateInFlight
	PaymentStateSucceeded
	PaymentStateFailed
)

type PaymentLookup struct {
	State         PaymentState
	PreimageHex   string
	FeeMsat       uint64
	FailureReason string
}

// RouteError is a definitive routing failure reported by the backend. It is
// not retry-worthy by waiting; the dispatcher bounds retries and may relax
// constraints between attempts.
type RouteError struct {
	Reason string
}

func (e *RouteError) Error() string {
	return "route failure: " + e.Reason
}

// ErrHtlcNotFound is returned by claim/cancel when the backend no longer
// knows the HTLC. The caller must treat this as an invariant breach rather
// than retry.
var ErrHtlcNotFound = errors.New("htlc not found")
