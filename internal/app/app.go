package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airdrop/internal/airdrop"
	"airdrop/internal/chain"
	"airdrop/internal/config"
	"airdrop/internal/events"
	"airdrop/internal/logger"
	"airdrop/internal/pending"
	"airdrop/internal/social"
	"airdrop/internal/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const callbackPath = "/airdrop/link/callback"

// App owns the process-wide resources behind the airdrop service.
type App struct {
	Config  config.Config
	Service *airdrop.Service

	storage *storage.GormStorage
	redis   *redis.Client
	events  events.Publisher
}

// New opens storage and connects the optional backends. Missing payout credentials are not an
// error: the service starts with a transferer that only validates addresses.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	s, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, storage: s, events: events.Noop{}}

	pendingStore, err := a.pendingStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RabbitMQURL != "" {
		producer, err := events.NewProducer(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn("app: rabbitmq unavailable, events disabled", zap.Error(err))
		} else {
			a.events = producer
		}
	}

	transferer, err := newTransferer(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	redirectURI := ""
	if cfg.PublicBaseURL != "" {
		redirectURI = cfg.PublicBaseURL + callbackPath
	}

	a.Service = airdrop.NewService(airdrop.Dependencies{
		Storage: s,
		Pending: pendingStore,
		Social: social.NewClient(social.Config{
			BaseURL:           cfg.XAPIBaseURL,
			AuthorizeURL:      cfg.XAuthorizeURL,
			ClientID:          cfg.XClientID,
			ClientSecret:      cfg.XClientSecret,
			BearerToken:       cfg.XBearerToken,
			RequestsPerSecond: cfg.XRequestsPerSecond,
		}),
		Transferer: transferer,
		Events:     a.events,
	}, airdrop.Options{
		Amount:                cfg.AmountDecimal(),
		MaxRecipients:         cfg.MaxRecipients,
		RedirectURI:           redirectURI,
		FallbackPostID:        cfg.CampaignPostID,
		CampaignText:          cfg.CampaignText,
		CampaignWindow:        cfg.CampaignWindow,
		PendingLinkTTL:        cfg.PendingLinkTTL,
		ParticipationCacheTTL: cfg.ParticipationCacheTTL,
		RateLimitBackoff:      cfg.RateLimitBackoff,
		RateLimitRetries:      cfg.RateLimitRetries,
		ReservationTimeout:    cfg.ReservationTimeout,
		ClaimWaitTimeout:      cfg.ClaimWaitTimeout,
		Chain:                 cfg.Chain,
		TokenAddress:          cfg.TokenAddress,
		TokenSymbol:           cfg.TokenSymbol,
		TokenDecimals:         cfg.TokenDecimals,
		AirdropStarted:        cfg.AirdropStarted,
	})

	return a, nil
}

// pendingStore prefers redis when REDIS_URL is set and falls back to the database.
func (a *App) pendingStore(ctx context.Context) (pending.Store, error) {
	if a.Config.RedisURL == "" {
		return pending.NewDatabaseStore(a.storage, nil), nil
	}

	options, err := redis.ParseURL(a.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}

	a.redis = client
	logger.Info("app: redis connected, link state kept in redis")
	return pending.NewRedisStore(client, a.Config.RedisKeyPrefix), nil
}

func newTransferer(ctx context.Context, cfg config.Config) (chain.Transferer, error) {
	var (
		transferer chain.Transferer
		err        error
	)

	switch cfg.Chain {
	case config.ChainTON:
		transferer, err = chain.NewTONTransferer(chain.TONConfig{
			Mnemonic:      cfg.Mnemonic,
			WalletVersion: cfg.WalletVersion,
			Network:       cfg.TonNetwork,
			APIToken:      cfg.TonAPIToken,
			Decimals:      cfg.TokenDecimals,
			Comment:       cfg.TokenSymbol + " airdrop",
		})
	default:
		transferer, err = chain.NewEVMTransferer(ctx, chain.EVMConfig{
			RPCURL:       cfg.EVMRPCURL,
			ChainID:      cfg.EVMChainID,
			PrivateKey:   cfg.PrivateKey,
			TokenAddress: cfg.TokenAddress,
			Decimals:     cfg.TokenDecimals,
		})
	}

	if errors.Is(err, chain.ErrNotConfigured) {
		logger.Warn("app: payout credentials missing, claims will fail until configured", zap.String("chain", cfg.Chain))
		return chain.Unconfigured{TON: cfg.Chain == config.ChainTON}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("app: %s transferer: %w", cfg.Chain, err)
	}

	return transferer, nil
}

func (a *App) Close() {
	a.events.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("app: close redis", zap.Error(err))
		}
	}
	if err := a.storage.Close(); err != nil {
		logger.Warn("app: close storage", zap.Error(err))
	}
}
