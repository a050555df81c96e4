// Package protocol talks to the BUK protocol's booking API to resolve who
// a booking was first issued to.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

type booking struct {
	TokenID    uint64         `json:"token_id"`
	FirstOwner domain.Address `json:"first_owner"`
}

// Client implements the marketplace's protocol lookup over HTTP. First
// owners never change once a booking is issued, so answers are cached.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	cache      *cache.Cache
}

func NewClient(baseURL string, timeout time.Duration, retries int) (*Client, error) {
	if len(baseURL) == 0 {
		return nil, errors.New("protocol base url is required")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = retries
	retryClient.HTTPClient.Timeout = timeout

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: retryClient,
		cache:      cache.New(30*time.Minute, time.Hour),
	}, nil
}

func (c *Client) FirstOwner(ctx context.Context, tokenID domain.TokenID) (domain.Address, error) {
	b, err := c.booking(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return b.FirstOwner, nil
}

func (c *Client) Exists(ctx context.Context, tokenID domain.TokenID) (bool, error) {
	_, err := c.booking(ctx, tokenID)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) booking(ctx context.Context, tokenID domain.TokenID) (booking, error) {
	key := strconv.FormatUint(uint64(tokenID), 10)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(booking), nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bookings/"+key, nil)
	if err != nil {
		return booking{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		zap.L().With(zap.Error(err), zap.Uint64("tokenId", uint64(tokenID))).Error("Protocol: request failed")
		return booking{}, fmt.Errorf("protocol request for booking %d: %w", tokenID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return booking{}, fmt.Errorf("booking %d: %w", tokenID, domain.ErrTokenNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return booking{}, fmt.Errorf("protocol returned %d for booking %d: %s", resp.StatusCode, tokenID, body)
	}

	var b booking
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return booking{}, fmt.Errorf("decode booking %d: %w", tokenID, err)
	}
	if !b.FirstOwner.Valid() {
		return booking{}, fmt.Errorf("booking %d has malformed first owner %q", tokenID, b.FirstOwner)
	}

	c.cache.Set(key, b, cache.DefaultExpiration)
	return b, nil
}
