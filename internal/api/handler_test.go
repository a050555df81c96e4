package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/inmem"
	"github.com/punchamoorthee/bukmarket/internal/service"
)

const (
	secret = "test-secret"

	treasury   domain.Address = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	hotel      domain.Address = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	operator   domain.Address = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
	admin      domain.Address = "0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"
	firstOwner domain.Address = "0x9965507D1a55bcC2695C58ba16FB37d819B0A4dc"
	seller     domain.Address = "0x976EA74026E726554dB657fA54763abd0C3a0aa9"
	buyer      domain.Address = "0x14dC79964da2C08b23698B3D3cc7Ca32193d9955"
)

type testServer struct {
	router http.Handler
	token  *inmem.Token
	nft    *inmem.BookingNFT
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	token := inmem.NewToken()
	nft := inmem.NewBookingNFT()
	protocol := inmem.NewProtocol()

	protocol.Register(1, firstOwner)
	require.NoError(t, nft.Mint(1, seller))
	nft.SetApprovalForAll(seller, operator, true)
	token.Mint(buyer, 5000)

	market, err := service.New(service.Config{
		BukProtocol:    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		BukNFT:         "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		TreasuryWallet: treasury,
		HotelWallet:    hotel,
		StableToken:    "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
		Operator:       operator,
		Admin:          admin,
		BukRoyalty:     5,
		HotelRoyalty:   2,
		UserRoyalty:    1,
	}, service.Deps{Protocol: protocol, NFT: nft, Currency: token})
	require.NoError(t, err)

	h := NewHandler(market, Options{
		Balances:    token,
		Idempotency: NewMemoryIdempotency(time.Minute),
	})
	return &testServer{router: NewRouter(h, NewAuthenticator(secret)), token: token, nft: nft}
}

func (s *testServer) do(t *testing.T, method, path string, as domain.Address, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		tok, err := IssueToken(secret, as, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGetConfig(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/config", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := decode[configResponse](t, rec)
	assert.Equal(t, treasury, cfg.TreasuryWallet)
	assert.Equal(t, hotel, cfg.HotelWallet)
	assert.Equal(t, 5, cfg.BukRoyalty)
	assert.Equal(t, 2, cfg.HotelRoyalty)
	assert.Equal(t, 1, cfg.UserRoyalty)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(correlationHeader))
}

func TestListingLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/listings", seller, map[string]any{"token_id": 1, "price": 1000}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/listings/1", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, "/api/v1/listings", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Listing](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/v1/listings/1", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1000), decode[domain.Listing](t, rec).Price)

	rec = s.do(t, http.MethodPost, "/api/v1/listings", seller, map[string]any{"token_id": 1, "price": 1000}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/listings/1", buyer, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/listings/1", seller, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/listings/1", "", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/listings/1", seller, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateListingErrors(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.nft.Mint(2, seller))

	tests := []struct {
		name string
		as   domain.Address
		body any
		want int
	}{
		{"not authenticated", "", map[string]any{"token_id": 1, "price": 1000}, http.StatusUnauthorized},
		{"zero price", seller, map[string]any{"token_id": 1, "price": 0}, http.StatusUnprocessableEntity},
		{"negative price", seller, map[string]any{"token_id": 1, "price": -1}, http.StatusUnprocessableEntity},
		{"malformed body", seller, "not json", http.StatusBadRequest},
		{"not the owner", buyer, map[string]any{"token_id": 1, "price": 1000}, http.StatusForbidden},
		{"token never minted", seller, map[string]any{"token_id": 9, "price": 1000}, http.StatusForbidden},
		{"booking unknown to the protocol", seller, map[string]any{"token_id": 2, "price": 1000}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/listings", tt.as, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	s := newTestServer(t)

	bad, err := IssueToken("other-secret", seller, time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(secret, seller, -time.Minute)
	require.NoError(t, err)
	notAnAddress, err := IssueToken(secret, "alice", time.Minute)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"wrong secret":   "Bearer " + bad,
		"expired":        "Bearer " + expired,
		"bad subject":    "Bearer " + notAnAddress,
		"missing bearer": expired,
	} {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodDelete, "/api/v1/listings/1", "", nil, map[string]string{"Authorization": header})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestPurchase(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/listings", seller, map[string]any{"token_id": 1, "price": 1000}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", buyer, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "Idempotency-Key is required")

	key := map[string]string{"Idempotency-Key": "purchase-1"}
	rec = s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", buyer, nil, key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sale := decode[domain.Sale](t, rec)
	assert.Equal(t, int64(920), sale.SellerShare)
	assert.Equal(t, "/api/v1/sales/"+sale.ID, rec.Header().Get("Location"))

	replay := s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", buyer, nil, key)
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, sale.ID, decode[domain.Sale](t, replay).ID)

	rec = s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", seller, nil, key)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "same key, different caller")

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s", buyer), "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4000), decode[domain.Account](t, rec).Balance)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s", treasury), "", nil, nil)
	assert.Equal(t, int64(50), decode[domain.Account](t, rec).Balance)
}

func TestFailedPurchaseFreesIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	key := map[string]string{"Idempotency-Key": "k"}

	rec := s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", buyer, nil, key)
	assert.Equal(t, http.StatusConflict, rec.Code, "not listed")

	rec = s.do(t, http.MethodPost, "/api/v1/listings", seller, map[string]any{"token_id": 1, "price": 1000}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", buyer, nil, key)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/listings", seller, map[string]any{"token_id": 1, "price": 9000}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/listings/1/purchase", buyer, nil, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, domain.ErrTransferFailed.Error(), decode[map[string]string](t, rec)["error"])
}

func TestAdminDelist(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/listings", seller, map[string]any{"token_id": 1, "price": 1000}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/admin/listings/1", seller, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/admin/listings/1", admin, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetAccountRejectsMalformedAddress(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/accounts/0x1234", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptionalRoutesNotMounted(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/sales/abc", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrAlreadyListed, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", domain.ErrNotListed), http.StatusConflict},
		{domain.ErrNotOwner, http.StatusForbidden},
		{domain.ErrNotSeller, http.StatusForbidden},
		{domain.ErrInvalidPrice, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", domain.ErrTransferFailed, domain.ErrTransferNotApproved), http.StatusUnprocessableEntity},
		{domain.ErrTransferNotApproved, http.StatusForbidden},
		{domain.ErrUnknownFirstOwner, http.StatusBadGateway},
		{domain.ErrTokenNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: could not serialize access", domain.ErrConcurrentUpdate), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		code, msg := statusFor(tt.err)
		assert.Equal(t, tt.want, code, tt.err.Error())
		assert.NotContains(t, msg, "boom")
	}
}
