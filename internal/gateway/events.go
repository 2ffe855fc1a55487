package gateway

import (
	"sync"
	"time"
)

// PaymentEvent is a snapshot of a record right after a persisted state
// change. Type mirrors the state the record entered.
type PaymentEvent struct {
	Type         string    `json:"type"`
	RecordID     string    `json:"record_id"`
	Direction    Direction `json:"direction"`
	FederationID string    `json:"federation_id"`
	PaymentHash  string    `json:"payment_hash"`
	AmountMsat   uint64    `json:"amount_msat"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	At           time.Time `json:"at"`
}

// EventBus fans payment events out to subscribers. Slow subscribers drop
// events rather than stall the payment path.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan PaymentEvent]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan PaymentEvent]struct{})}
}

func (b *EventBus) Subscribe() (<-chan PaymentEvent, func()) {
	ch := make(chan PaymentEvent, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *EventBus) Publish(evt PaymentEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

func recordEvent(rec *PaymentRecord) PaymentEvent {
	return PaymentEvent{
		Type:         string(rec.State),
		RecordID:     rec.ID,
		Direction:    rec.Direction,
		FederationID: rec.FederationID,
		PaymentHash:  rec.PaymentHash,
		AmountMsat:   rec.AmountMsat,
		State:        rec.State,
		LastError:    rec.LastError,
		At:           time.Now().UTC(),
	}
}
