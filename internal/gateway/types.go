package gateway

import (
	"fmt"
	"time"
)

// Direction says which side of the bridge originated a payment. Incoming
// payments arrive as held Lightning HTLCs and credit a federation client;
// outgoing payments debit a federation client and leave as Lightning sends.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

func (d Direction) Valid() bool {
	return d == DirectionIncoming || d == DirectionOutgoing
}

// State is the stage of a payment record. Transitions only move forward;
// the persisted state is authoritative and a stale writer loses.
type State string

const (
	StateReceived            State = "received"
	StateFederationSubmitted State = "federation_submitted"
	StateFederationFinalized State = "federation_finalized"
	StateLightningSettled    State = "lightning_settled"
	StateFederationRejected  State = "federation_rejected"
	StateAborted             State = "aborted"
	StateQuarantined         State = "quarantined"
)

// Terminal reports whether a record in this state has left the active set.
func (s State) Terminal() bool {
	switch s {
	case StateLightningSettled, StateFederationRejected, StateAborted, StateQuarantined:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateReceived, StateFederationSubmitted, StateFederationFinalized,
		StateLightningSettled, StateFederationRejected, StateAborted, StateQuarantined:
		return true
	}
	return false
}

var validTransitions = map[State][]State{
	StateReceived:            {StateFederationSubmitted, StateFederationRejected, StateAborted, StateQuarantined},
	StateFederationSubmitted: {StateFederationFinalized, StateFederationRejected, StateAborted, StateQuarantined},
	StateFederationFinalized: {StateLightningSettled, StateQuarantined},
	// A rejected record whose compensating refund definitively fails
	// escalates to quarantine for manual resolution.
	StateFederationRejected: {StateQuarantined},
	StateAborted:            {StateQuarantined},
}

// ValidTransition reports whether the state machine allows from -> to.
func ValidTransition(from State, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecordKey uniquely identifies a payment record. At most one record ever
// exists per key.
type RecordKey struct {
	FederationID string
	PaymentHash  string
	Direction    Direction
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.FederationID, k.Direction, k.PaymentHash)
}

// PaymentRecord is the unit of cross-system coordination. One record tracks
// one payment from HTLC arrival (or debit request) to a terminal state.
type PaymentRecord struct {
	ID              string
	Direction       Direction
	FederationID    string
	PaymentHash     string
	AmountMsat      uint64
	FeeReservedMsat uint64
	HtlcRef         string
	ContractRef     string
	Preimage        string
	Invoice         string
	State           State
	Deadline        time.Time
	AttemptCount    int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r *PaymentRecord) Key() RecordKey {
	return RecordKey{FederationID: r.FederationID, PaymentHash: r.PaymentHash, Direction: r.Direction}
}

// CreditMsat is the amount passed to the federation for an incoming payment,
// the HTLC amount minus the gateway's routing fee.
func (r *PaymentRecord) CreditMsat() uint64 {
	if r.FeeReservedMsat >= r.AmountMsat {
		return 0
	}
	return r.AmountMsat - r.FeeReservedMsat
}

// FederationRegistration is one federation the gateway serves. Read-mostly;
// mutated only through the administrative registry, never by the payment
// path.
type FederationRegistration struct {
	ID              string
	Endpoint        string
	ProtocolVariant string
	FeeBaseMsat     uint64
	FeeRatePpm      uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RoutingFeeMsat computes the gateway fee for an amount under this
// registration's schedule.
func (f *FederationRegistration) RoutingFeeMsat(amountMsat uint64) uint64 {
	return f.FeeBaseMsat + amountMsat*f.FeeRatePpm/1_000_000
}

// PaymentIntent pre-registers an expected incoming payment so HTLCs whose
// onion carries no federation marker can still be classified by hash.
type PaymentIntent struct {
	FederationID string
	PaymentHash  string
	AmountMsat   uint64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
