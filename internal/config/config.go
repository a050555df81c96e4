package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/punchamoorthee/bukmarket/internal/domain"
	"github.com/punchamoorthee/bukmarket/internal/service"
)

const (
	DBSource    = "DB_SOURCE"
	Port        = "SERVER_PORT"
	Environment = "ENVIRONMENT"
	Debug       = "DEBUG"
	JWTSecret   = "JWT_SECRET"
	AmqpURI     = "AMQP_URI"

	ProtocolURL     = "PROTOCOL_URL"
	ProtocolTimeout = "PROTOCOL_TIMEOUT"
	ProtocolRetries = "PROTOCOL_RETRIES"

	BukProtocol    = "BUK_PROTOCOL"
	BukNFT         = "BUK_NFT"
	TreasuryWallet = "TREASURY_WALLET"
	HotelWallet    = "HOTEL_WALLET"
	StableToken    = "STABLE_TOKEN"
	Operator       = "MARKETPLACE_OPERATOR"
	Admin          = "MARKETPLACE_ADMIN"

	BukRoyalty   = "BUK_ROYALTY_PERCENTAGE"
	HotelRoyalty = "HOTEL_ROYALTY_PERCENTAGE"
	UserRoyalty  = "FIRST_OWNER_ROYALTY_PERCENTAGE"

	IdempotencyTTL = "IDEMPOTENCY_TTL"
	FixturesPath   = "FIXTURES_PATH"
)

// Config is the service configuration. An empty DBSource runs the
// marketplace in memory, seeded from FixturesPath when set.
type Config struct {
	DBSource  string
	Port      string
	Env       string
	Debug     bool
	JWTSecret string
	AmqpURI   string

	Protocol ProtocolConfig
	Market   service.Config

	IdempotencyTTL time.Duration
	FixturesPath   string
}

// ProtocolConfig points at the BUK protocol's booking API. An empty URL
// means first owners are read from the database.
type ProtocolConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
}

// Load reads configuration from the environment, after applying a .env file
// when one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(Port, "8080")
	v.SetDefault(Environment, "development")
	v.SetDefault(Debug, false)
	v.SetDefault(ProtocolTimeout, "10s")
	v.SetDefault(ProtocolRetries, 3)
	v.SetDefault(BukRoyalty, 5)
	v.SetDefault(HotelRoyalty, 2)
	v.SetDefault(UserRoyalty, 1)
	v.SetDefault(IdempotencyTTL, "24h")

	cfg := &Config{
		DBSource:  v.GetString(DBSource),
		Port:      v.GetString(Port),
		Env:       v.GetString(Environment),
		Debug:     v.GetBool(Debug),
		JWTSecret: v.GetString(JWTSecret),
		AmqpURI:   v.GetString(AmqpURI),
		Protocol: ProtocolConfig{
			URL:     v.GetString(ProtocolURL),
			Timeout: v.GetDuration(ProtocolTimeout),
			Retries: v.GetInt(ProtocolRetries),
		},
		Market: service.Config{
			BukProtocol:    domain.Address(v.GetString(BukProtocol)),
			BukNFT:         domain.Address(v.GetString(BukNFT)),
			TreasuryWallet: domain.Address(v.GetString(TreasuryWallet)),
			HotelWallet:    domain.Address(v.GetString(HotelWallet)),
			StableToken:    domain.Address(v.GetString(StableToken)),
			Operator:       domain.Address(v.GetString(Operator)),
			Admin:          domain.Address(v.GetString(Admin)),
			BukRoyalty:     v.GetInt(BukRoyalty),
			HotelRoyalty:   v.GetInt(HotelRoyalty),
			UserRoyalty:    v.GetInt(UserRoyalty),
		},
		IdempotencyTTL: v.GetDuration(IdempotencyTTL),
		FixturesPath:   v.GetString(FixturesPath),
	}

	if cfg.IdempotencyTTL <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", IdempotencyTTL, cfg.IdempotencyTTL)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s environment variable is required", JWTSecret)
	}
	if err := cfg.Market.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
