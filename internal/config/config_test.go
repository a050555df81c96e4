package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/bukmarket/internal/domain"
)

func setMarketEnv(t *testing.T) {
	t.Helper()
	t.Setenv(DBSource, "postgres://localhost/market")
	t.Setenv(JWTSecret, "secret")
	t.Setenv(BukProtocol, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv(BukNFT, "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	t.Setenv(TreasuryWallet, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	t.Setenv(HotelWallet, "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	t.Setenv(StableToken, "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	t.Setenv(Operator, "0x90F79bf6EB2c4f870365E785982E1f101E93b906")
}

func TestLoadDefaults(t *testing.T) {
	setMarketEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "postgres://localhost/market", cfg.DBSource)
	assert.Empty(t, cfg.Protocol.URL)
	assert.Equal(t, 10*time.Second, cfg.Protocol.Timeout)
	assert.Equal(t, 3, cfg.Protocol.Retries)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)

	assert.Equal(t, 5, cfg.Market.BukRoyalty)
	assert.Equal(t, 2, cfg.Market.HotelRoyalty)
	assert.Equal(t, 1, cfg.Market.UserRoyalty)
	assert.Equal(t, domain.Address("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), cfg.Market.TreasuryWallet)
	assert.Empty(t, cfg.Market.Admin)
}

func TestLoadOverrides(t *testing.T) {
	setMarketEnv(t)
	t.Setenv(Port, "9090")
	t.Setenv(Debug, "true")
	t.Setenv(DBSource, "postgres://db:5432/market")
	t.Setenv(ProtocolTimeout, "2s")
	t.Setenv(BukRoyalty, "10")
	t.Setenv(HotelRoyalty, "0")
	t.Setenv(UserRoyalty, "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "postgres://db:5432/market", cfg.DBSource)
	assert.Equal(t, 2*time.Second, cfg.Protocol.Timeout)
	assert.Equal(t, 10, cfg.Market.BukRoyalty)
	assert.Equal(t, 0, cfg.Market.HotelRoyalty)
	assert.Equal(t, 3, cfg.Market.UserRoyalty)
}

func TestLoadRejectsInvalidMarket(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero idempotency ttl", IdempotencyTTL, "0s"},
		{"malformed idempotency ttl", IdempotencyTTL, "soon"},
		{"missing secret", JWTSecret, ""},
		{"malformed treasury", TreasuryWallet, "treasury"},
		{"empty hotel", HotelWallet, ""},
		{"royalties over 100", BukRoyalty, "99"},
		{"negative royalty", UserRoyalty, "-1"},
		{"malformed admin", Admin, "0x12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMarketEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadWithoutDatabase(t *testing.T) {
	setMarketEnv(t)
	t.Setenv(DBSource, "")
	t.Setenv(FixturesPath, "testdata/fixtures.json")
	t.Setenv(IdempotencyTTL, "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.DBSource)
	assert.Equal(t, "testdata/fixtures.json", cfg.FixturesPath)
	assert.Equal(t, 30*time.Minute, cfg.IdempotencyTTL)
}

func TestLoadInvalidConfigurationError(t *testing.T) {
	setMarketEnv(t)
	t.Setenv(StableToken, "nope")

	_, err := Load()
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}
