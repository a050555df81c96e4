package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/bukmarket/internal/api"
	"github.com/punchamoorthee/bukmarket/internal/config"
	"github.com/punchamoorthee/bukmarket/internal/event"
	"github.com/punchamoorthee/bukmarket/internal/inmem"
	"github.com/punchamoorthee/bukmarket/internal/logger"
	"github.com/punchamoorthee/bukmarket/internal/messenger"
	"github.com/punchamoorthee/bukmarket/internal/protocol"
	"github.com/punchamoorthee/bukmarket/internal/service"
	"github.com/punchamoorthee/bukmarket/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger.Init(cfg.Debug, cfg.Env)
	defer zap.L().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	bus := event.NewBus()
	bus.AddListener(event.SaleEvent, func(e event.Event) {
		zap.L().With(zap.String("saleId", e.Sale.ID), zap.Uint64("tokenId", uint64(e.TokenID))).Info("Sale settled")
	})
	if cfg.AmqpURI != "" {
		m := messenger.NewMessenger(cfg.AmqpURI)
		m.Subscribe(bus)
		defer m.Close()
	}

	var (
		deps service.Deps
		opts api.Options
	)
	if cfg.DBSource != "" {
		st, err := store.NewStore(cfg.DBSource)
		if err != nil {
			zap.L().With(zap.Error(err)).Fatal("Unable to connect to database")
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			zap.L().With(zap.Error(err)).Fatal("Migration failed")
		}
		go sweepIdempotencyKeys(ctx, st, cfg.IdempotencyTTL)

		ledger := st.Ledger()
		deps = service.Deps{Protocol: st, NFT: st, Currency: ledger, Settler: st, Listings: st}
		opts = api.Options{Balances: ledger, Entries: ledger, Sales: st, Idempotency: st}
	} else {
		token, nft, bookings := inmem.NewToken(), inmem.NewBookingNFT(), inmem.NewProtocol()
		if cfg.FixturesPath != "" {
			if err := loadFixtures(cfg.FixturesPath, token, nft, bookings); err != nil {
				zap.L().With(zap.Error(err), zap.String("path", cfg.FixturesPath)).Fatal("Unable to load fixtures")
			}
		}
		zap.L().Warn("DB_SOURCE not set, running in memory: state is lost on restart")

		deps = service.Deps{Protocol: bookings, NFT: nft, Currency: token}
		opts = api.Options{Balances: token, Idempotency: api.NewMemoryIdempotency(cfg.IdempotencyTTL)}
	}
	deps.Events = bus

	if cfg.Protocol.URL != "" {
		client, err := protocol.NewClient(cfg.Protocol.URL, cfg.Protocol.Timeout, cfg.Protocol.Retries)
		if err != nil {
			zap.L().With(zap.Error(err)).Fatal("Unable to create protocol client")
		}
		deps.Protocol = client
	}

	market, err := service.New(cfg.Market, deps)
	if err != nil {
		zap.L().With(zap.Error(err)).Fatal("Invalid marketplace configuration")
	}
	if err := market.Restore(ctx); err != nil {
		zap.L().With(zap.Error(err)).Fatal("Unable to restore listings")
	}

	handler := api.NewHandler(market, opts)
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zap.L().With(zap.String("port", cfg.Port), zap.String("env", cfg.Env)).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().With(zap.Error(err)).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	zap.L().Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().With(zap.Error(err)).Error("Graceful shutdown failed")
	}
	bus.Close()
}

func loadFixtures(path string, token *inmem.Token, nft *inmem.BookingNFT, bookings *inmem.Protocol) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return inmem.LoadFixtures(f, token, nft, bookings)
}

// sweepIdempotencyKeys expires idempotency keys older than ttl until ctx ends.
func sweepIdempotencyKeys(ctx context.Context, st *store.Store, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := st.SweepIdempotency(ctx, ttl)
			if err != nil {
				zap.L().With(zap.Error(err)).Error("Idempotency sweep failed")
				continue
			}
			if swept > 0 {
				zap.L().With(zap.Int64("keys", swept)).Info("Expired idempotency keys")
			}
		}
	}
}
