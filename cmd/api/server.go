package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/handler"
	"github.com/zhouzirui/sample-shop/backend/internal/model/order"
	"github.com/zhouzirui/sample-shop/backend/internal/model/product"
	"github.com/zhouzirui/sample-shop/backend/internal/service/ai"
	"github.com/zhouzirui/sample-shop/backend/internal/service/cart"
	"github.com/zhouzirui/sample-shop/backend/internal/service/chat"
	"github.com/zhouzirui/sample-shop/backend/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

type app struct {
	cfg     *config.Config
	manager *chat.Manager
	server  *http.Server
	redis   *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	products := product.NewMemoryStore(product.Seed())
	orders := order.NewMemoryStore(order.Seed())

	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.AI.Provider).Msg("AI chat disabled, chat requests will receive the fallback reply")
		provider = nil
	} else {
		log.Info().Str("provider", provider.Name()).Msg("AI provider initialized")
	}

	a := &app{cfg: cfg}

	var store chat.HistoryStore = chat.NewMemoryStore()
	if cfg.Session.Store == config.StoreRedis {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, errors.Wrap(err, "connect to redis history store")
		}
		// Keys outlive local eviction by one sweep; the default session never expires.
		ttl := time.Duration(0)
		if cfg.Session.IdleTimeout > 0 {
			ttl = cfg.Session.IdleTimeout + cfg.Session.EvictInterval
		}
		store = chat.NewRedisStore(a.redis, chat.RedisStoreOptions{
			Prefix:     cfg.Session.RedisPrefix,
			TTL:        ttl,
			Persistent: []string{cfg.Session.DefaultID},
		})
		log.Info().Str("addr", cfg.Session.RedisAddr).Msg("using redis chat history store")
	}

	instruction := cfg.Session.SystemInstruction
	if instruction == "" {
		instruction = ai.NewPromptBuilder(ai.DefaultPromptTemplate(), products).SystemInstruction()
	}

	a.manager = chat.NewManager(provider, store, chat.Options{
		SystemInstruction: instruction,
		DefaultSessionID:  cfg.Session.DefaultID,
		HistoryLimit:      cfg.Session.HistoryLimit,
	})
	a.manager.SetEvictionConfig(cfg.Session.IdleTimeout, cfg.Session.EvictInterval)

	// Another replica or a previous run may already own the default conversation.
	if _, err := a.manager.Ensure(ctx, a.manager.DefaultSessionID()); err != nil {
		log.Warn().Err(err).Msg("failed to initialize default chat session")
	}

	router := handler.NewRouter(handler.Deps{
		Products:       products,
		Orders:         orders,
		Carts:          cart.NewService(products),
		Conversations:  a.manager,
		Renderer:       utils.NewMarkdownRenderer(),
		StaticDir:      cfg.Server.StaticDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a, nil
}

// Run serves HTTP and evicts idle sessions until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		a.manager.StartEvictionLoop(egCtx)
		<-egCtx.Done()
		return nil
	})

	eg.Go(func() error {
		return runServer(egCtx, a.server)
	})

	return eg.Wait()
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Sample Shop backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
