package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/info", s.handleInfo)

		r.Get("/federations", s.handleListFederations)
		r.Post("/federations", s.handleRegisterFederation)
		r.Delete("/federations/{id}", s.handleRemoveFederation)

		r.Get("/payments", s.handleListPayments)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Get("/payments/{federation}/{direction}/{hash}", s.handleGetPaymentByKey)
		r.Post("/payments/outgoing", s.handlePayOutgoing)
		r.Post("/payments/incoming", s.handleReceiveIncoming)

		r.Get("/events", s.handleEventsWS)
	})

	return r
}
