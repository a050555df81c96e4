package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/service"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Balances reports stable-currency balances.
type Balances interface {
	Balance(ctx context.Context, addr domain.Address) (int64, error)
}

type EntryReader interface {
	GetEntries(ctx context.Context, addr domain.Address) ([]domain.LedgerEntry, error)
}

type SaleReader interface {
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
}

// IdempotencyStore remembers purchase responses by Idempotency-Key.
type IdempotencyStore interface {
	BeginRequest(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	CompleteRequest(ctx context.Context, key string, status int, body []byte) error
	AbandonRequest(ctx context.Context, key string) error
}

// Options carries the read models behind the handler. Entries and Sales are
// optional; their routes are only mounted when set.
type Options struct {
	Balances    Balances
	Entries     EntryReader
	Sales       SaleReader
	Idempotency IdempotencyStore
}

type Handler struct {
	market *service.Marketplace
	opts   Options
}

func NewHandler(market *service.Marketplace, opts Options) *Handler {
	return &Handler{market: market, opts: opts}
}

type configResponse struct {
	BukProtocol    domain.Address `json:"buk_protocol"`
	BukNFT         domain.Address `json:"buk_nft"`
	TreasuryWallet domain.Address `json:"treasury_wallet"`
	HotelWallet    domain.Address `json:"hotel_wallet"`
	StableToken    domain.Address `json:"stable_token"`
	BukRoyalty     int            `json:"buk_royalty"`
	HotelRoyalty   int            `json:"hotel_royalty"`
	UserRoyalty    int            `json:"user_royalty"`
}

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/config"
	defer h.observe(r.Method, endpoint)()

	h.respondJSON(w, http.StatusOK, configResponse{
		BukProtocol:    h.market.BukProtocol(),
		BukNFT:         h.market.BukNFT(),
		TreasuryWallet: h.market.TreasuryWallet(),
		HotelWallet:    h.market.HotelWallet(),
		StableToken:    h.market.StableToken(),
		BukRoyalty:     h.market.BukRoyalty(),
		HotelRoyalty:   h.market.HotelRoyalty(),
		UserRoyalty:    h.market.UserRoyalty(),
	}, r.Method, endpoint)
}

func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/listings"
	defer h.observe(r.Method, endpoint)()

	h.respondJSON(w, http.StatusOK, h.market.Listings(), r.Method, endpoint)
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/listings/{tokenId}"
	defer h.observe(r.Method, endpoint)()

	tokenID, ok := h.tokenID(w, r, endpoint)
	if !ok {
		return
	}

	l, err := h.market.Listing(tokenID)
	if err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, l, r.Method, endpoint)
}

func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/listings"
	defer h.observe(r.Method, endpoint)()

	caller, _ := CallerFrom(r.Context())

	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", r.Method, endpoint)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), r.Method, endpoint)
		return
	}

	l, err := h.market.ListForSale(r.Context(), caller, domain.TokenID(req.TokenID), req.Price)
	if err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/listings/%d", l.TokenID))
	h.respondJSON(w, http.StatusCreated, l, r.Method, endpoint)
}

func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/listings/{tokenId}"
	defer h.observe(r.Method, endpoint)()

	tokenID, ok := h.tokenID(w, r, endpoint)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())

	if err := h.market.CancelListing(r.Context(), caller, tokenID); err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"token_id": tokenID, "status": "cancelled"}, r.Method, endpoint)
}

func (h *Handler) AdminDelist(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/listings/{tokenId}"
	defer h.observe(r.Method, endpoint)()

	tokenID, ok := h.tokenID(w, r, endpoint)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())

	if err := h.market.Delist(r.Context(), caller, tokenID); err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"token_id": tokenID, "status": "delisted"}, r.Method, endpoint)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/listings/{tokenId}/purchase"
	defer h.observe(r.Method, endpoint)()

	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", r.Method, endpoint)
		return
	}

	tokenID, ok := h.tokenID(w, r, endpoint)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())

	// 2. Hash everything that identifies the request
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", r.Method, endpoint)
		return
	}
	reqHash := requestHash(caller, tokenID, body)

	// 3. Replay or reserve
	existing, err := h.opts.Idempotency.BeginRequest(r.Context(), idempotencyKey, reqHash)
	if err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	if existing != nil {
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(existing.ResponseStatus)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}

	// 4. Call Service
	sale, err := h.market.Purchase(r.Context(), tokenID, caller)
	if err != nil {
		if abandonErr := h.opts.Idempotency.AbandonRequest(context.WithoutCancel(r.Context()), idempotencyKey); abandonErr != nil {
			zap.L().With(zap.Error(abandonErr), zap.String("key", idempotencyKey)).Error("Idempotency key could not be released")
		}
		h.respondServiceError(w, r, err, endpoint)
		return
	}

	respBody, err := json.Marshal(sale)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
		return
	}
	if err := h.opts.Idempotency.CompleteRequest(context.WithoutCancel(r.Context()), idempotencyKey, http.StatusCreated, respBody); err != nil {
		zap.L().With(zap.Error(err), zap.String("key", idempotencyKey), zap.String("saleId", sale.ID)).Error("Purchase response not recorded")
	}

	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "201").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/api/v1/sales/"+sale.ID)
	w.WriteHeader(http.StatusCreated)
	w.Write(respBody)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{address}"
	defer h.observe(r.Method, endpoint)()

	addr, ok := h.address(w, r, endpoint)
	if !ok {
		return
	}

	balance, err := h.opts.Balances.Balance(r.Context(), addr)
	if err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, domain.Account{Address: addr, Balance: balance}, r.Method, endpoint)
}

func (h *Handler) GetAccountEntries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{address}/entries"
	defer h.observe(r.Method, endpoint)()

	addr, ok := h.address(w, r, endpoint)
	if !ok {
		return
	}

	entries, err := h.opts.Entries.GetEntries(r.Context(), addr)
	if err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, entries, r.Method, endpoint)
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sales/{id}"
	defer h.observe(r.Method, endpoint)()

	sale, err := h.opts.Sales.GetSale(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, sale, r.Method, endpoint)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) tokenID(w http.ResponseWriter, r *http.Request, endpoint string) (domain.TokenID, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["tokenId"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed token id", r.Method, endpoint)
		return 0, false
	}
	return domain.TokenID(id), true
}

func (h *Handler) address(w http.ResponseWriter, r *http.Request, endpoint string) (domain.Address, bool) {
	addr := mux.Vars(r)["address"]
	if err := ValidateAddress(addr); err != nil {
		h.respondError(w, http.StatusBadRequest, "address "+err.Error(), r.Method, endpoint)
		return "", false
	}
	return domain.Address(addr), true
}

func requestHash(caller domain.Address, tokenID domain.TokenID, body []byte) string {
	sum := sha256.New()
	fmt.Fprintf(sum, "%s\n%d\n", caller.Key(), tokenID)
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

var errorStatuses = []struct {
	err  error
	code int
}{
	// checked first: a failed settlement may also wrap an approval or
	// balance error.
	{domain.ErrConcurrentUpdate, http.StatusConflict},
	{domain.ErrTransferFailed, http.StatusUnprocessableEntity},
	{domain.ErrIdempotencyConflict, http.StatusConflict},
	{domain.ErrIdempotencyMismatch, http.StatusUnprocessableEntity},
	{domain.ErrAlreadyListed, http.StatusConflict},
	{domain.ErrNotListed, http.StatusConflict},
	{domain.ErrNotOwner, http.StatusForbidden},
	{domain.ErrNotSeller, http.StatusForbidden},
	{domain.ErrNotAdmin, http.StatusForbidden},
	{domain.ErrTransferNotApproved, http.StatusForbidden},
	{domain.ErrSelfPurchase, http.StatusForbidden},
	{domain.ErrInvalidPrice, http.StatusUnprocessableEntity},
	{domain.ErrInvalidAddress, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity},
	{domain.ErrTokenNotFound, http.StatusNotFound},
	{domain.ErrAccountNotFound, http.StatusNotFound},
	{domain.ErrSaleNotFound, http.StatusNotFound},
	{domain.ErrUnknownFirstOwner, http.StatusBadGateway},
}

// statusFor maps a service error to a status code and a client-safe message.
func statusFor(err error) (int, string) {
	for _, s := range errorStatuses {
		if errors.Is(err, s.err) {
			return s.code, s.err.Error()
		}
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error, endpoint string) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		zap.L().With(zap.Error(err), zap.String("endpoint", endpoint)).Error("Request failed")
	}
	h.respondError(w, code, msg, r.Method, endpoint)
}

func (h *Handler) observe(method, endpoint string) func() {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	return func() { timer.ObserveDuration() }
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
