package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fedigateway/internal/gateway"
)

type federationPayload struct {
	ID              string `json:"id"`
	Endpoint        string `json:"endpoint"`
	ProtocolVariant string `json:"protocol_variant,omitempty"`
	FeeBaseMsat     uint64 `json:"fee_base_msat"`
	FeeRatePpm      uint64 `json:"fee_rate_ppm"`
}

type federationResponse struct {
	ID              string    `json:"id"`
	Endpoint        string    `json:"endpoint"`
	ProtocolVariant string    `json:"protocol_variant,omitempty"`
	FeeBaseMsat     uint64    `json:"fee_base_msat"`
	FeeRatePpm      uint64    `json:"fee_rate_ppm"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func federationToResponse(reg gateway.FederationRegistration) federationResponse {
	return federationResponse{
		ID:              reg.ID,
		Endpoint:        reg.Endpoint,
		ProtocolVariant: reg.ProtocolVariant,
		FeeBaseMsat:     reg.FeeBaseMsat,
		FeeRatePpm:      reg.FeeRatePpm,
		CreatedAt:       reg.CreatedAt,
		UpdatedAt:       reg.UpdatedAt,
	}
}

func (s *Server) handleListFederations(w http.ResponseWriter, r *http.Request) {
	regs := s.registry.List()
	out := make([]federationResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, federationToResponse(reg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"federations": out})
}

func (s *Server) handleRegisterFederation(w http.ResponseWriter, r *http.Request) {
	var payload federationPayload
	if err := readJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	payload.ID = strings.TrimSpace(payload.ID)
	payload.Endpoint = strings.TrimSpace(payload.Endpoint)
	if payload.ID == "" || payload.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "id and endpoint are required")
		return
	}
	parsed, err := url.Parse(payload.Endpoint)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "endpoint must be an http(s) url")
		return
	}

	reg := gateway.FederationRegistration{
		ID:              payload.ID,
		Endpoint:        payload.Endpoint,
		ProtocolVariant: payload.ProtocolVariant,
		FeeBaseMsat:     payload.FeeBaseMsat,
		FeeRatePpm:      payload.FeeRatePpm,
	}
	if err := s.registry.Register(r.Context(), reg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stored, err := s.registry.Lookup(payload.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, federationToResponse(stored))
}

func (s *Server) handleRemoveFederation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "federation id required")
		return
	}
	if _, err := s.registry.Lookup(id); err != nil {
		writeError(w, http.StatusNotFound, "unknown federation")
		return
	}
	if err := s.registry.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
