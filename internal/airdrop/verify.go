package airdrop

import (
	"context"
	"errors"
	"fmt"

	"airdrop/internal/events"
	"airdrop/internal/logger"
	"airdrop/internal/storage"

	"go.uber.org/zap"
)

// Policy selects how the verifier reacts to the provider's rate limit.
type Policy int

const (
	// Interactive makes one attempt and surfaces ErrRateLimited at once.
	Interactive Policy = iota
	// Batch waits RateLimitBackoff between attempts, up to RateLimitRetries extra attempts.
	Batch
)

func (p Policy) String() string {
	if p == Batch {
		return "batch"
	}
	return "interactive"
}

// Participants returns the ids of accounts that reposted postID, from cache while it is fresh.
func (s *Service) Participants(ctx context.Context, postID string, policy Policy) (map[string]struct{}, error) {
	if participants, ok := s.cache.Get(postID); ok {
		return participants, nil
	}

	attempts := 1
	if policy == Batch {
		attempts += s.opts.RateLimitRetries
	}

	for attempt := 1; ; attempt++ {
		users, err := s.social.Reposters(ctx, postID)
		if err == nil {
			participants := make(map[string]struct{}, len(users))
			for _, user := range users {
				participants[user.ID] = struct{}{}
			}
			s.cache.Set(postID, participants, s.opts.ParticipationCacheTTL)

			logger.Debug("airdrop: participants fetched", zap.String("post id", postID), zap.Int("count", len(participants)))
			return participants, nil
		}

		err = classifySocialError(err, ErrExternalProvider)
		if !errors.Is(err, ErrRateLimited) || attempt >= attempts {
			return nil, err
		}

		logger.Warn("airdrop: participation lookup rate limited, backing off",
			zap.String("post id", postID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", s.opts.RateLimitBackoff),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.opts.RateLimitBackoff):
		}
	}
}

type Refresh struct {
	PostID       string
	Participants int
	Marked       int64
}

// RefreshParticipation marks every linked registration whose account reposted the current
// campaign post. Rows already marked keep their original timestamp.
func (s *Service) RefreshParticipation(ctx context.Context, policy Policy) (*Refresh, error) {
	campaign, err := s.currentCampaign(ctx)
	if err != nil {
		return nil, err
	}

	participants, err := s.Participants(ctx, campaign.PostID, policy)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(participants))
	for id := range participants {
		ids = append(ids, id)
	}

	marked, err := s.storage.MarkParticipated(ctx, ids, s.now())
	if err != nil {
		return nil, fmt.Errorf("mark participated: %w", err)
	}

	if marked > 0 {
		logger.Info("airdrop: participation marked", zap.String("post id", campaign.PostID), zap.Int64("marked", marked), zap.String("policy", policy.String()))
		events.Emit(ctx, s.events, events.Participated, events.ParticipatedEvent{
			PostID:    campaign.PostID,
			Marked:    marked,
			Timestamp: s.now(),
		})
	}

	return &Refresh{PostID: campaign.PostID, Participants: len(ids), Marked: marked}, nil
}

type Participation struct {
	Linked       bool `json:"linked"`
	Participated bool `json:"participated"`
}

// CheckParticipation is the on-demand check for one wallet. It never waits out a rate limit:
// a wallet already known to have participated is reported as such, otherwise ErrRateLimited.
func (s *Service) CheckParticipation(ctx context.Context, wallet string) (*Participation, error) {
	wallet, err := s.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	registration, err := s.storage.GetRegistrationByWallet(ctx, wallet)
	if errors.Is(err, storage.ErrNotFound) {
		return &Participation{}, nil
	}
	if err != nil {
		return nil, err
	}
	if registration.ParticipatedAt != nil {
		return &Participation{Linked: true, Participated: true}, nil
	}

	_, refreshErr := s.RefreshParticipation(ctx, Interactive)
	if refreshErr != nil && !errors.Is(refreshErr, ErrRateLimited) {
		return nil, refreshErr
	}

	registration, err = s.storage.GetRegistrationByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if registration.ParticipatedAt == nil && refreshErr != nil {
		return nil, refreshErr
	}

	return &Participation{Linked: true, Participated: registration.ParticipatedAt != nil}, nil
}
