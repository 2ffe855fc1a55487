package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordStore is the durable home of payment records. Writes must be durable
// before they return; the store is the deduplication and ordering authority
// across restarts.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec *PaymentRecord) error
	GetRecord(ctx context.Context, key RecordKey) (*PaymentRecord, error)
	GetRecordByID(ctx context.Context, id string) (*PaymentRecord, error)
	Transition(ctx context.Context, key RecordKey, from State, to State, update RecordUpdate) error
	RecordAttempt(ctx context.Context, key RecordKey, lastError string) error
	NoteError(ctx context.Context, key RecordKey, lastError string) error
	ListActive(ctx context.Context) ([]*PaymentRecord, error)
	ListRecords(ctx context.Context, limit int) ([]*PaymentRecord, error)
}

// RecordUpdate carries the fields a transition may stamp. HtlcRef,
// ContractRef and Preimage are write-once: a non-empty stored value is never
// overwritten.
type RecordUpdate struct {
	HtlcRef          string
	ContractRef      string
	Preimage         string
	LastError        string
	ClearError       bool
	IncrementAttempt bool
}

// FederationStore persists federation registrations.
type FederationStore interface {
	UpsertFederation(ctx context.Context, reg FederationRegistration) error
	RemoveFederation(ctx context.Context, id string) error
	ListFederations(ctx context.Context) ([]FederationRegistration, error)
}

// IntentStore persists pre-registered incoming payment intents.
type IntentStore interface {
	PutIntent(ctx context.Context, intent PaymentIntent) error
	LookupIntent(ctx context.Context, paymentHash string) (PaymentIntent, error)
	DeleteIntent(ctx context.Context, federationID string, paymentHash string) error
	DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error)
}

// Store implements RecordStore, FederationStore and IntentStore on Postgres.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db unavailable")
	}

	if _, err := s.db.Exec(ctx, `
create table if not exists gateway_payments (
  id text not null,
  direction text not null,
  federation_id text not null,
  payment_hash text not null,
  amount_msat bigint not null,
  fee_reserved_msat bigint not null default 0,
  htlc_ref text not null default '',
  contract_ref text not null default '',
  preimage text not null default '',
  invoice text not null default '',
  state text not null,
  deadline timestamptz not null,
  attempt_count integer not null default 0,
  last_error text not null default '',
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now(),
  primary key (federation_id, payment_hash, direction)
);
`); err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, `
create unique index if not exists gateway_payments_id_idx on gateway_payments (id);
`); err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, `
create index if not exists gateway_payments_state_idx on gateway_payments (state);
`); err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, `
create table if not exists gateway_federations (
  id text primary key,
  endpoint text not null,
  protocol_variant text not null default 'direct',
  fee_base_msat bigint not null default 0,
  fee_rate_ppm bigint not null default 0,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);
`); err != nil {
		return err
	}

	_, err := s.db.Exec(ctx, `
create table if not exists gateway_payment_intents (
  federation_id text not null,
  payment_hash text not null,
  amount_msat bigint not null,
  created_at timestamptz not null default now(),
  expires_at timestamptz not null,
  primary key (payment_hash)
);
`)
	return err
}

func (s *Store) InsertRecord(ctx context.Context, rec *PaymentRecord) error {
	if rec.ID == "" || rec.FederationID == "" || rec.PaymentHash == "" || !rec.Direction.Valid() {
		return errors.New("incomplete payment record")
	}
	if !rec.State.Valid() {
		return errors.New("invalid record state")
	}

	tag, err := s.db.Exec(ctx, `
insert into gateway_payments (
  id, direction, federation_id, payment_hash, amount_msat, fee_reserved_msat,
  htlc_ref, contract_ref, preimage, invoice, state, deadline, attempt_count, last_error
)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
on conflict (federation_id, payment_hash, direction) do nothing
`, rec.ID, rec.Direction, rec.FederationID, rec.PaymentHash, int64(rec.AmountMsat), int64(rec.FeeReservedMsat),
		rec.HtlcRef, rec.ContractRef, rec.Preimage, rec.Invoice, rec.State, rec.Deadline.UTC(), rec.AttemptCount, rec.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

const recordColumns = `
id, direction, federation_id, payment_hash, amount_msat, fee_reserved_msat,
htlc_ref, contract_ref, preimage, invoice, state, deadline, attempt_count, last_error,
created_at, updated_at
`

func scanRecord(row pgx.Row) (*PaymentRecord, error) {
	var rec PaymentRecord
	var amountMsat int64
	var feeMsat int64
	err := row.Scan(
		&rec.ID,
		&rec.Direction,
		&rec.FederationID,
		&rec.PaymentHash,
		&amountMsat,
		&feeMsat,
		&rec.HtlcRef,
		&rec.ContractRef,
		&rec.Preimage,
		&rec.Invoice,
		&rec.State,
		&rec.Deadline,
		&rec.AttemptCount,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if amountMsat > 0 {
		rec.AmountMsat = uint64(amountMsat)
	}
	if feeMsat > 0 {
		rec.FeeReservedMsat = uint64(feeMsat)
	}
	return &rec, nil
}

func (s *Store) GetRecord(ctx context.Context, key RecordKey) (*PaymentRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `
select `+recordColumns+`
from gateway_payments
where federation_id = $1 and payment_hash = $2 and direction = $3
`, key.FederationID, key.PaymentHash, key.Direction))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (s *Store) GetRecordByID(ctx context.Context, id string) (*PaymentRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `
select `+recordColumns+`
from gateway_payments
where id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// Transition moves a record from one state to the next with compare-and-set
// semantics: the update applies only while the stored state still equals
// from. A lost race surfaces as ErrStaleTransition and the caller reloads.
func (s *Store) Transition(ctx context.Context, key RecordKey, from State, to State, update RecordUpdate) error {
	if !ValidTransition(from, to) {
		return errors.New("transition not allowed: " + string(from) + " -> " + string(to))
	}

	attemptDelta := 0
	if update.IncrementAttempt {
		attemptDelta = 1
	}
	lastError := strings.TrimSpace(update.LastError)

	tag, err := s.db.Exec(ctx, `
update gateway_payments set
  state = $1,
  htlc_ref = case when htlc_ref = '' then $2 else htlc_ref end,
  contract_ref = case when contract_ref = '' then $3 else contract_ref end,
  preimage = case when preimage = '' then $4 else preimage end,
  last_error = case when $5 then '' when $6 <> '' then $7 else last_error end,
  attempt_count = attempt_count + $8,
  updated_at = now()
where federation_id = $9 and payment_hash = $10 and direction = $11 and state = $12
`, to, update.HtlcRef, update.ContractRef, update.Preimage,
		update.ClearError, lastError, lastError, attemptDelta,
		key.FederationID, key.PaymentHash, key.Direction, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRecord(ctx, key); getErr != nil {
			return getErr
		}
		return ErrStaleTransition
	}
	return nil
}

// RecordAttempt bumps the attempt counter and error note without changing
// state. The counter tracks routing attempts only; transient retries go
// through NoteError instead.
func (s *Store) RecordAttempt(ctx context.Context, key RecordKey, lastError string) error {
	_, err := s.db.Exec(ctx, `
update gateway_payments set
  attempt_count = attempt_count + 1,
  last_error = $1,
  updated_at = now()
where federation_id = $2 and payment_hash = $3 and direction = $4
`, strings.TrimSpace(lastError), key.FederationID, key.PaymentHash, key.Direction)
	return err
}

// NoteError records the failure reason without consuming an attempt.
func (s *Store) NoteError(ctx context.Context, key RecordKey, lastError string) error {
	_, err := s.db.Exec(ctx, `
update gateway_payments set
  last_error = $1,
  updated_at = now()
where federation_id = $2 and payment_hash = $3 and direction = $4
`, strings.TrimSpace(lastError), key.FederationID, key.PaymentHash, key.Direction)
	return err
}

func (s *Store) ListActive(ctx context.Context) ([]*PaymentRecord, error) {
	rows, err := s.db.Query(ctx, `
select `+recordColumns+`
from gateway_payments
where state not in ($1, $2, $3, $4)
order by created_at
`, StateLightningSettled, StateFederationRejected, StateAborted, StateQuarantined)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) ListRecords(ctx context.Context, limit int) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
select `+recordColumns+`
from gateway_payments
order by created_at desc
limit $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*PaymentRecord, error) {
	out := []*PaymentRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertFederation(ctx context.Context, reg FederationRegistration) error {
	if strings.TrimSpace(reg.ID) == "" || strings.TrimSpace(reg.Endpoint) == "" {
		return errors.New("federation id and endpoint are required")
	}
	if reg.ProtocolVariant == "" {
		reg.ProtocolVariant = "direct"
	}
	_, err := s.db.Exec(ctx, `
insert into gateway_federations (id, endpoint, protocol_variant, fee_base_msat, fee_rate_ppm, updated_at)
values ($1, $2, $3, $4, $5, now())
on conflict (id) do update set
  endpoint = excluded.endpoint,
  protocol_variant = excluded.protocol_variant,
  fee_base_msat = excluded.fee_base_msat,
  fee_rate_ppm = excluded.fee_rate_ppm,
  updated_at = now()
`, reg.ID, reg.Endpoint, reg.ProtocolVariant, int64(reg.FeeBaseMsat), int64(reg.FeeRatePpm))
	return err
}

func (s *Store) RemoveFederation(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
delete from gateway_federations where id = $1
`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownFederation
	}
	return nil
}

func (s *Store) ListFederations(ctx context.Context) ([]FederationRegistration, error) {
	rows, err := s.db.Query(ctx, `
select id, endpoint, protocol_variant, fee_base_msat, fee_rate_ppm, created_at, updated_at
from gateway_federations
order by id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FederationRegistration{}
	for rows.Next() {
		var reg FederationRegistration
		var baseMsat int64
		var ratePpm int64
		if err := rows.Scan(&reg.ID, &reg.Endpoint, &reg.ProtocolVariant, &baseMsat, &ratePpm, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		if baseMsat > 0 {
			reg.FeeBaseMsat = uint64(baseMsat)
		}
		if ratePpm > 0 {
			reg.FeeRatePpm = uint64(ratePpm)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *Store) PutIntent(ctx context.Context, intent PaymentIntent) error {
	if intent.FederationID == "" || intent.PaymentHash == "" {
		return errors.New("intent federation id and payment hash are required")
	}
	_, err := s.db.Exec(ctx, `
insert into gateway_payment_intents (federation_id, payment_hash, amount_msat, expires_at)
values ($1, $2, $3, $4)
on conflict (payment_hash) do update set
  federation_id = excluded.federation_id,
  amount_msat = excluded.amount_msat,
  expires_at = excluded.expires_at
`, intent.FederationID, intent.PaymentHash, int64(intent.AmountMsat), intent.ExpiresAt.UTC())
	return err
}

func (s *Store) LookupIntent(ctx context.Context, paymentHash string) (PaymentIntent, error) {
	var intent PaymentIntent
	var amountMsat int64
	err := s.db.QueryRow(ctx, `
select federation_id, payment_hash, amount_msat, created_at, expires_at
from gateway_payment_intents
where payment_hash = $1 and expires_at > now()
`, paymentHash).Scan(&intent.FederationID, &intent.PaymentHash, &amountMsat, &intent.CreatedAt, &intent.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, ErrIntentNotFound
	}
	if err != nil {
		return PaymentIntent{}, err
	}
	if amountMsat > 0 {
		intent.AmountMsat = uint64(amountMsat)
	}
	return intent, nil
}

func (s *Store) DeleteIntent(ctx context.Context, federationID string, paymentHash string) error {
	_, err := s.db.Exec(ctx, `
delete from gateway_payment_intents
where federation_id = $1 and payment_hash = $2
`, federationID, paymentHash)
	return err
}

func (s *Store) DeleteExpiredIntents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
delete from gateway_payment_intents
where expires_at <= $1
`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var (
	_ RecordStore     = (*Store)(nil)
	_ FederationStore = (*Store)(nil)
	_ IntentStore     = (*Store)(nil)
)
