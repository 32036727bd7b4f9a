package airdrop

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"airdrop/internal/logger"
	"airdrop/internal/storage"

	"go.uber.org/zap"
)

const repostIntentURL = "https://twitter.com/intent/retweet"

type CampaignInfo struct {
	PostID    string     `json:"campaignPostId"`
	RepostURL string     `json:"repostUrl"`
	Active    bool       `json:"active"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

func repostURL(postID string) string {
	return repostIntentURL + "?" + url.Values{"tweet_id": {postID}}.Encode()
}

// CurrentCampaign returns the active campaign, or the configured fallback post when none is
// active.
func (s *Service) CurrentCampaign(ctx context.Context) (*CampaignInfo, error) {
	return s.currentCampaign(ctx)
}

func (s *Service) currentCampaign(ctx context.Context) (*CampaignInfo, error) {
	campaign, err := s.storage.ActiveCampaign(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return &CampaignInfo{PostID: s.opts.FallbackPostID, RepostURL: repostURL(s.opts.FallbackPostID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active campaign: %w", err)
	}

	startedAt := campaign.StartedAt
	return &CampaignInfo{
		PostID:    campaign.PostID,
		RepostURL: repostURL(campaign.PostID),
		Active:    true,
		StartedAt: &startedAt,
	}, nil
}

// StartCampaign activates postID. With an empty postID the campaign text is published first
// and the new post becomes the campaign.
func (s *Service) StartCampaign(ctx context.Context, postID string) (*CampaignInfo, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		if s.opts.CampaignText == "" {
			return nil, fmt.Errorf("%w: post id or campaign text required", ErrValidation)
		}

		published, err := s.social.PublishPost(ctx, s.opts.CampaignText)
		if err != nil {
			return nil, classifySocialError(err, ErrExternalProvider)
		}
		postID = published
	}

	campaign, err := s.storage.UpsertCampaign(ctx, postID, s.now())
	if err != nil {
		return nil, fmt.Errorf("activate campaign: %w", err)
	}

	logger.Info("airdrop: campaign started", zap.String("post id", campaign.PostID))

	startedAt := campaign.StartedAt
	return &CampaignInfo{
		PostID:    campaign.PostID,
		RepostURL: repostURL(campaign.PostID),
		Active:    true,
		StartedAt: &startedAt,
	}, nil
}

// campaignClosed reports whether the configured window since the campaign start has elapsed.
func (s *Service) campaignClosed(campaign *CampaignInfo) bool {
	if s.opts.CampaignWindow <= 0 || campaign.StartedAt == nil {
		return false
	}
	return s.now().Sub(*campaign.StartedAt) > s.opts.CampaignWindow
}
