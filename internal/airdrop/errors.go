package airdrop

import "errors"

var (
	ErrValidation            = errors.New("invalid input")
	ErrProviderMisconfigured = errors.New("provider not configured")
	ErrInvalidState          = errors.New("link state expired or invalid")
	ErrTokenExchangeFailed   = errors.New("token exchange failed")
	ErrRateLimited           = errors.New("rate limited")
	ErrExternalProvider      = errors.New("external provider failure")

	ErrNotRegistered    = errors.New("wallet is not registered")
	ErrNotParticipated  = errors.New("wallet has not participated")
	ErrCapReached       = errors.New("airdrop recipient cap reached")
	ErrCampaignClosed   = errors.New("campaign window has closed")
	ErrClaimInProgress  = errors.New("claim already in progress")
	ErrPayoutPending    = errors.New("payout submitted, confirmation pending")
	ErrWalletLinked     = errors.New("wallet is linked to another account")
	ErrReconcileRunning = errors.New("reconcile already running")
)
