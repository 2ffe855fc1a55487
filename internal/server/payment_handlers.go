package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fedigateway/internal/gateway"
	"fedigateway/internal/lightning"
)

const intentLifetime = time.Hour

type paymentResponse struct {
	ID              string    `json:"id"`
	Direction       string    `json:"direction"`
	FederationID    string    `json:"federation_id"`
	PaymentHash     string    `json:"payment_hash"`
	AmountMsat      uint64    `json:"amount_msat"`
	FeeReservedMsat uint64    `json:"fee_reserved_msat"`
	ContractRef     string    `json:"contract_ref,omitempty"`
	State           string    `json:"state"`
	Deadline        time.Time `json:"deadline"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func paymentToResponse(rec *gateway.PaymentRecord) paymentResponse {
	return paymentResponse{
		ID:              rec.ID,
		Direction:       string(rec.Direction),
		FederationID:    rec.FederationID,
		PaymentHash:     rec.PaymentHash,
		AmountMsat:      rec.AmountMsat,
		FeeReservedMsat: rec.FeeReservedMsat,
		ContractRef:     rec.ContractRef,
		State:           string(rec.State),
		Deadline:        rec.Deadline,
		AttemptCount:    rec.AttemptCount,
		LastError:       rec.LastError,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	stateFilter := gateway.State(strings.TrimSpace(r.URL.Query().Get("state")))
	if stateFilter != "" && !stateFilter.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state filter")
		return
	}

	records, err := s.store.ListRecords(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]paymentResponse, 0, len(records))
	for _, rec := range records {
		if stateFilter != "" && rec.State != stateFilter {
			continue
		}
		out = append(out, paymentToResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.store.GetRecordByID(r.Context(), id)
	if errors.Is(err, gateway.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, paymentToResponse(rec))
}

func (s *Server) handleGetPaymentByKey(w http.ResponseWriter, r *http.Request) {
	key := gateway.RecordKey{
		FederationID: strings.TrimSpace(chi.URLParam(r, "federation")),
		PaymentHash:  strings.ToLower(strings.TrimSpace(chi.URLParam(r, "hash"))),
		Direction:    gateway.Direction(chi.URLParam(r, "direction")),
	}
	if !key.Direction.Valid() {
		writeError(w, http.StatusBadRequest, "direction must be incoming or outgoing")
		return
	}

	rec, err := s.store.GetRecord(r.Context(), key)
	if errors.Is(err, gateway.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, paymentToResponse(rec))
}

type payOutgoingRequest struct {
	FederationID string `json:"federation_id"`
	Invoice      string `json:"invoice"`
	AmountMsat   uint64 `json:"amount_msat,omitempty"`
}

type payOutgoingResponse struct {
	RecordID    string `json:"record_id"`
	PaymentHash string `json:"payment_hash"`
	State       string `json:"state"`
}

func (s *Server) handlePayOutgoing(w http.ResponseWriter, r *http.Request) {
	var payload payOutgoingRequest
	if err := readJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	handle, err := s.dispatcher.Pay(r.Context(), gateway.PayRequest{
		FederationID: payload.FederationID,
		Invoice:      normalizeInvoice(payload.Invoice),
		AmountMsat:   payload.AmountMsat,
	})
	if errors.Is(err, gateway.ErrUnknownFederation) {
		writeError(w, http.StatusNotFound, "unknown federation")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, payOutgoingResponse{
		RecordID:    handle.RecordID,
		PaymentHash: handle.PaymentHash,
		State:       string(handle.State),
	})
}

type receiveIncomingRequest struct {
	FederationID string `json:"federation_id"`
	PaymentHash  string `json:"payment_hash"`
	AmountMsat   uint64 `json:"amount_msat"`
	Memo         string `json:"memo,omitempty"`
}

type receiveIncomingResponse struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request,omitempty"`
	FeeMsat        uint64    `json:"fee_msat"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// handleReceiveIncoming pre-registers an expected payment and, on the lnd
// backend, publishes a hold invoice for it. The federation reveals the
// preimage through consensus, so the invoice is created from the hash alone.
func (s *Server) handleReceiveIncoming(w http.ResponseWriter, r *http.Request) {
	var payload receiveIncomingRequest
	if err := readJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	payload.FederationID = strings.TrimSpace(payload.FederationID)
	payload.PaymentHash = strings.ToLower(strings.TrimSpace(payload.PaymentHash))
	if payload.FederationID == "" || payload.PaymentHash == "" {
		writeError(w, http.StatusBadRequest, "federation_id and payment_hash are required")
		return
	}
	if raw, err := hex.DecodeString(payload.PaymentHash); err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, "payment_hash must be 32 hex bytes")
		return
	}
	if payload.AmountMsat == 0 {
		writeError(w, http.StatusBadRequest, "amount_msat is required")
		return
	}

	reg, err := s.registry.Lookup(payload.FederationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown federation")
		return
	}

	intent := gateway.PaymentIntent{
		FederationID: payload.FederationID,
		PaymentHash:  payload.PaymentHash,
		AmountMsat:   payload.AmountMsat,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(intentLifetime),
	}
	if err := s.store.PutIntent(r.Context(), intent); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := receiveIncomingResponse{
		PaymentHash: payload.PaymentHash,
		FeeMsat:     reg.RoutingFeeMsat(payload.AmountMsat),
		ExpiresAt:   intent.ExpiresAt,
	}

	cltvExpiry := uint64(s.cfg.Gateway.MinExpiryDeltaBlocks + 2*s.cfg.Gateway.DeadlineSafetyBlocks)
	switch {
	case s.lnd != nil:
		created, err := s.lnd.AddHoldInvoice(r.Context(), payload.PaymentHash, payload.AmountMsat, payload.Memo, cltvExpiry)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		resp.PaymentRequest = created.PaymentRequest
	case s.regtest != nil:
		payReq := "regtest-" + payload.PaymentHash
		s.regtest.RegisterInvoice(payReq, lightning.Invoice{
			PaymentHash: payload.PaymentHash,
			AmountMsat:  payload.AmountMsat,
			Memo:        payload.Memo,
		})
		resp.PaymentRequest = payReq
	}

	writeJSON(w, http.StatusCreated, resp)
}
