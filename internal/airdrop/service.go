package airdrop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"airdrop/internal/chain"
	"airdrop/internal/events"
	"airdrop/internal/pending"
	"airdrop/internal/social"
	"airdrop/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// DefaultCampaignPostID is consulted when no campaign is active and none is configured.
const DefaultCampaignPostID = "2020402202884579469"

const defaultClaimPollInterval = 500 * time.Millisecond

type SocialClient interface {
	OAuthConfigured() bool
	AuthorizeURL(redirectURI, state, challenge string) (string, error)
	ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (string, error)
	Me(ctx context.Context, accessToken string) (*social.User, error)
	Reposters(ctx context.Context, postID string) ([]social.User, error)
	PublishPost(ctx context.Context, text string) (string, error)
}

type Options struct {
	Amount        decimal.Decimal
	MaxRecipients int

	RedirectURI    string
	FallbackPostID string
	CampaignText   string
	CampaignWindow time.Duration

	PendingLinkTTL        time.Duration
	ParticipationCacheTTL time.Duration
	RateLimitBackoff      time.Duration
	RateLimitRetries      int
	ReservationTimeout    time.Duration
	ClaimWaitTimeout      time.Duration
	ClaimPollInterval     time.Duration

	Chain          string
	TokenAddress   string
	TokenSymbol    string
	TokenDecimals  int32
	AirdropStarted bool
}

type Dependencies struct {
	Storage    storage.Storage
	Pending    pending.Store
	Social     SocialClient
	Transferer chain.Transferer
	Cache      ParticipationCache
	Clock      clockwork.Clock
	Events     events.Publisher
}

type Service struct {
	storage    storage.Storage
	pending    pending.Store
	social     SocialClient
	transferer chain.Transferer
	cache      ParticipationCache
	clock      clockwork.Clock
	events     events.Publisher
	opts       Options

	reconciling atomic.Bool
}

func NewService(deps Dependencies, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Cache == nil {
		deps.Cache = NewTTLCache(deps.Clock)
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if opts.FallbackPostID == "" {
		opts.FallbackPostID = DefaultCampaignPostID
	}
	if opts.ClaimPollInterval <= 0 {
		opts.ClaimPollInterval = defaultClaimPollInterval
	}

	return &Service{
		storage:    deps.Storage,
		pending:    deps.Pending,
		social:     deps.Social,
		transferer: deps.Transferer,
		cache:      deps.Cache,
		clock:      deps.Clock,
		events:     deps.Events,
		opts:       opts,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// NormalizeWallet returns the canonical form of a wallet address for the configured chain.
func (s *Service) NormalizeWallet(wallet string) (string, error) {
	normalized, err := s.transferer.NormalizeAddress(wallet)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return normalized, nil
}

func (s *Service) registration(ctx context.Context, wallet string) (*storage.Registration, error) {
	registration, err := s.storage.GetRegistrationByWallet(ctx, wallet)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	return registration, err
}

func (s *Service) RegisteredCount(ctx context.Context) (int64, error) {
	return s.storage.CountRegistrations(ctx)
}

type PublicConfig struct {
	TokenAddress   string `json:"tokenAddress"`
	Symbol         string `json:"symbol"`
	Decimals       int32  `json:"decimals"`
	Amount         string `json:"amount"`
	Chain          string `json:"chain"`
	MaxRecipients  int    `json:"maxRecipients"`
	AirdropStarted bool   `json:"airdropStarted"`
}

func (s *Service) PublicConfig() PublicConfig {
	return PublicConfig{
		TokenAddress:   s.opts.TokenAddress,
		Symbol:         s.opts.TokenSymbol,
		Decimals:       s.opts.TokenDecimals,
		Amount:         s.opts.Amount.String(),
		Chain:          s.opts.Chain,
		MaxRecipients:  s.opts.MaxRecipients,
		AirdropStarted: s.opts.AirdropStarted,
	}
}
