package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler, auth *Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/config", h.GetConfig).Methods(http.MethodGet)
	apiV1.HandleFunc("/listings", h.ListListings).Methods(http.MethodGet)
	apiV1.HandleFunc("/listings/{tokenId:[0-9]+}", h.GetListing).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{address}", h.GetAccount).Methods(http.MethodGet)
	if h.opts.Entries != nil {
		apiV1.HandleFunc("/accounts/{address}/entries", h.GetAccountEntries).Methods(http.MethodGet)
	}
	if h.opts.Sales != nil {
		apiV1.HandleFunc("/sales/{id}", h.GetSale).Methods(http.MethodGet)
	}

	private := apiV1.NewRoute().Subrouter()
	private.Use(auth.VerifyJWT())
	private.HandleFunc("/listings", h.CreateListing).Methods(http.MethodPost)
	private.HandleFunc("/listings/{tokenId:[0-9]+}", h.CancelListing).Methods(http.MethodDelete)
	private.HandleFunc("/listings/{tokenId:[0-9]+}/purchase", h.Purchase).Methods(http.MethodPost)
	private.HandleFunc("/admin/listings/{tokenId:[0-9]+}", h.AdminDelist).Methods(http.MethodDelete)

	return r
}
