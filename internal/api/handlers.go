package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"airdrop/internal/airdrop"
	"airdrop/internal/chain"
	"airdrop/internal/logger"
	"airdrop/internal/storage"

	"go.uber.org/zap"
)

// Airdrop is the part of airdrop.Service the HTTP layer drives.
type Airdrop interface {
	StartLink(ctx context.Context, wallet string) (string, error)
	CompleteLink(ctx context.Context, code, state string) (*storage.Registration, error)
	CheckParticipation(ctx context.Context, wallet string) (*airdrop.Participation, error)
	Claim(ctx context.Context, wallet string) (*airdrop.Payout, error)
	Status(ctx context.Context, wallet string) (*airdrop.Status, error)
	RegisteredCount(ctx context.Context) (int64, error)
	PublicConfig() airdrop.PublicConfig
	CurrentCampaign(ctx context.Context) (*airdrop.CampaignInfo, error)
	StartCampaign(ctx context.Context, postID string) (*airdrop.CampaignInfo, error)
	StartReconcile(ctx context.Context) error
}

type Handler struct {
	service       Airdrop
	uiRedirectURL string

	// background outlives requests; reconciler passes started over HTTP run under it.
	background context.Context
}

func NewHandler(background context.Context, service Airdrop, uiRedirectURL string) *Handler {
	return &Handler{service: service, uiRedirectURL: uiRedirectURL, background: background}
}

type walletRequest struct {
	Wallet string `json:"wallet"`
}

type claimResponse struct {
	Success bool `json:"success"`
	*airdrop.Payout
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func (h *Handler) handleStartLink(w http.ResponseWriter, r *http.Request) {
	authorizeURL, err := h.service.StartLink(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// handleLinkCallback always redirects back to the UI, with either linked=1 or an error code.
func (h *Handler) handleLinkCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		logger.Warn("api: link denied by provider", zap.String("error", providerErr))
		http.Redirect(w, r, h.uiURL("error", "access_denied"), http.StatusFound)
		return
	}

	registration, err := h.service.CompleteLink(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		_, code := classify(err)
		logger.Warn("api: link callback failed", zap.String("code", code), zap.Error(err))
		http.Redirect(w, r, h.uiURL("error", code), http.StatusFound)
		return
	}

	logger.Debug("api: link callback completed", zap.String("wallet", registration.WalletAddress))
	http.Redirect(w, r, h.uiURL("linked", "1"), http.StatusFound)
}

func (h *Handler) uiURL(key, value string) string {
	target, err := url.Parse(h.uiRedirectURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}

	query := target.Query()
	query.Set(key, value)
	target.RawQuery = query.Encode()
	return target.String()
}

func (h *Handler) handleParticipation(w http.ResponseWriter, r *http.Request) {
	wallet, ok := decodeWallet(w, r)
	if !ok {
		return
	}

	participation, err := h.service.CheckParticipation(r.Context(), wallet)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, participation)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	wallet, ok := decodeWallet(w, r)
	if !ok {
		return
	}

	payout, err := h.service.Claim(r.Context(), wallet)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, claimResponse{Success: true, Payout: payout})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

func (h *Handler) handleRegistered(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.RegisteredCount(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.PublicConfig())
}

func (h *Handler) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := h.service.CurrentCampaign(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, campaign)
}

func (h *Handler) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	var request struct {
		PostID string `json:"postId"`
	}
	// An empty body publishes a new campaign post.
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	campaign, err := h.service.StartCampaign(r.Context(), request.PostID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, campaign)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.service.StartReconcile(h.background); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func decodeWallet(w http.ResponseWriter, r *http.Request) (string, bool) {
	var request walletRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return "", false
	}
	if strings.TrimSpace(request.Wallet) == "" {
		respondWithError(w, http.StatusBadRequest, "invalid_wallet", "wallet is required")
		return "", false
	}
	return request.Wallet, true
}

// classify maps service errors onto an HTTP status and a machine-readable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, chain.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_wallet"
	case errors.Is(err, airdrop.ErrValidation):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, airdrop.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, airdrop.ErrProviderMisconfigured):
		return http.StatusInternalServerError, "provider_misconfigured"
	case errors.Is(err, airdrop.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, airdrop.ErrTokenExchangeFailed):
		return http.StatusBadGateway, "token_exchange_failed"
	case errors.Is(err, airdrop.ErrExternalProvider):
		return http.StatusBadGateway, "external_provider_error"
	case errors.Is(err, airdrop.ErrNotRegistered):
		return http.StatusNotFound, "not_registered"
	case errors.Is(err, airdrop.ErrNotParticipated):
		return http.StatusForbidden, "not_participated"
	case errors.Is(err, airdrop.ErrCapReached):
		return http.StatusConflict, "cap_reached"
	case errors.Is(err, airdrop.ErrCampaignClosed):
		return http.StatusConflict, "campaign_closed"
	case errors.Is(err, airdrop.ErrClaimInProgress):
		return http.StatusConflict, "claim_in_progress"
	case errors.Is(err, airdrop.ErrWalletLinked):
		return http.StatusConflict, "wallet_linked"
	case errors.Is(err, airdrop.ErrReconcileRunning):
		return http.StatusConflict, "reconcile_running"
	case errors.Is(err, airdrop.ErrPayoutPending):
		return http.StatusAccepted, "payout_pending"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error("api: request failed", zap.String("path", r.URL.Path), zap.String("code", code), zap.Error(err))
		if status == http.StatusInternalServerError && code == "internal_error" {
			message = "internal server error"
		}
	}

	respondWithError(w, status, code, message)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, errorResponse{Success: false, Code: code, Error: message})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
