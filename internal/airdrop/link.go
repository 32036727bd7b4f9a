package airdrop

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"airdrop/internal/events"
	"airdrop/internal/logger"
	"airdrop/internal/pending"
	"airdrop/internal/social"
	"airdrop/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stateSeparator = "."

// StartLink stores a fresh PKCE verifier for wallet and returns the provider authorization URL.
// A second start for the same wallet replaces the first, so only the latest attempt can finish.
func (s *Service) StartLink(ctx context.Context, wallet string) (string, error) {
	wallet, err := s.NormalizeWallet(wallet)
	if err != nil {
		return "", err
	}
	if !s.social.OAuthConfigured() || s.opts.RedirectURI == "" {
		return "", fmt.Errorf("%w: oauth client credentials or redirect uri missing", ErrProviderMisconfigured)
	}

	verifier, err := social.NewVerifier()
	if err != nil {
		return "", err
	}
	nonce := uuid.NewString()

	err = s.pending.Put(ctx, pending.Link{WalletAddress: wallet, Nonce: nonce, Verifier: verifier}, s.opts.PendingLinkTTL)
	if err != nil {
		return "", fmt.Errorf("store link state: %w", err)
	}

	authorizeURL, err := s.social.AuthorizeURL(s.opts.RedirectURI, wallet+stateSeparator+nonce, social.Challenge(verifier))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProviderMisconfigured, err)
	}

	logger.Debug("airdrop: link started", zap.String("wallet", wallet))
	return authorizeURL, nil
}

// CompleteLink consumes the pending state named by state and binds the authorizing social
// account to its wallet. The pending state is gone after this call whatever the outcome.
func (s *Service) CompleteLink(ctx context.Context, code, state string) (*storage.Registration, error) {
	if code == "" || state == "" {
		return nil, fmt.Errorf("%w: code and state are required", ErrValidation)
	}
	if !s.social.OAuthConfigured() || s.opts.RedirectURI == "" {
		return nil, fmt.Errorf("%w: oauth client credentials or redirect uri missing", ErrProviderMisconfigured)
	}

	separator := strings.LastIndex(state, stateSeparator)
	if separator <= 0 || separator == len(state)-1 {
		return nil, ErrInvalidState
	}
	wallet, err := s.transferer.NormalizeAddress(state[:separator])
	if err != nil {
		return nil, ErrInvalidState
	}
	nonce := state[separator+1:]

	link, err := s.pending.Take(ctx, wallet)
	if errors.Is(err, pending.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("load link state: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(link.Nonce), []byte(nonce)) != 1 {
		logger.Warn("airdrop: link state mismatch", zap.String("wallet", wallet))
		return nil, ErrInvalidState
	}

	accessToken, err := s.social.ExchangeCode(ctx, code, s.opts.RedirectURI, link.Verifier)
	if err != nil {
		return nil, classifySocialError(err, ErrTokenExchangeFailed)
	}

	user, err := s.social.Me(ctx, accessToken)
	if err != nil {
		return nil, classifySocialError(err, ErrExternalProvider)
	}

	registration, err := s.storage.LinkRegistration(ctx, wallet, user.ID, user.Username)
	switch {
	case errors.Is(err, storage.ErrWalletTaken):
		return nil, ErrWalletLinked
	case errors.Is(err, storage.ErrReservationHeld):
		return nil, ErrClaimInProgress
	case err != nil:
		return nil, fmt.Errorf("link registration: %w", err)
	}

	logger.Info("airdrop: wallet linked", zap.String("wallet", wallet), zap.String("social id", user.ID), zap.String("handle", user.Username))
	events.Emit(ctx, s.events, events.Linked, events.LinkedEvent{
		Wallet:    wallet,
		SocialID:  user.ID,
		Handle:    user.Username,
		Timestamp: s.now(),
	})

	return registration, nil
}

// classifySocialError maps provider errors onto the service taxonomy. Any other HTTP rejection
// becomes rejected.
func classifySocialError(err error, rejected error) error {
	var apiErr *social.APIError
	switch {
	case errors.Is(err, social.ErrRateLimited):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case errors.Is(err, social.ErrNotConfigured):
		return fmt.Errorf("%w: %w", ErrProviderMisconfigured, err)
	case errors.As(err, &apiErr):
		return fmt.Errorf("%w: %w", rejected, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrExternalProvider, err)
	}
}
