package server

import (
	"net/http"
)

type infoResponse struct {
	Pubkey        string `json:"pubkey"`
	Alias         string `json:"alias"`
	Version       string `json:"version"`
	BlockHeight   uint32 `json:"block_height"`
	SyncedToChain bool   `json:"synced_to_chain"`
	SyncedToGraph bool   `json:"synced_to_graph"`
	Backend       string `json:"backend"`
	Federations   int    `json:"federations"`

	OnchainSat            int64 `json:"onchain_sat,omitempty"`
	OnchainConfirmedSat   int64 `json:"onchain_confirmed_sat,omitempty"`
	OnchainUnconfirmedSat int64 `json:"onchain_unconfirmed_sat,omitempty"`
	LightningSat          int64 `json:"lightning_sat,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := infoResponse{
		Pubkey:        info.Pubkey,
		Alias:         info.Alias,
		Version:       info.Version,
		BlockHeight:   info.BlockHeight,
		SyncedToChain: info.SyncedToChain,
		SyncedToGraph: info.SyncedToGraph,
		Backend:       s.cfg.Gateway.Backend,
		Federations:   len(s.registry.List()),
	}

	if s.lnd != nil {
		balances, err := s.lnd.GetBalances(r.Context())
		if err != nil {
			s.logger.Printf("info: balances unavailable: %v", err)
		} else {
			resp.OnchainSat = balances.OnchainSat
			resp.OnchainConfirmedSat = balances.OnchainConfirmedSat
			resp.OnchainUnconfirmedSat = balances.OnchainUnconfirmedSat
			resp.LightningSat = balances.LightningSat
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
