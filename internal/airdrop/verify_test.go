package airdrop

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"airdrop/internal/social"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func users(ids ...string) []social.User {
	out := make([]social.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, social.User{ID: id, Username: "user" + id})
	}
	return out
}

func TestParticipants_CollapsesDuplicatesAndCaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.social.reposters = users("111", "222", "111")

	participants, err := h.service.Participants(ctx, "T1", Interactive)
	require.NoError(t, err)
	assert.Len(t, participants, 2)
	assert.Contains(t, participants, "111")

	_, err = h.service.Participants(ctx, "T1", Interactive)
	require.NoError(t, err)
	assert.Equal(t, 1, h.social.calls())

	h.clock.Advance(10*time.Minute + time.Second)
	_, err = h.service.Participants(ctx, "T1", Interactive)
	require.NoError(t, err)
	assert.Equal(t, 2, h.social.calls())
}

func TestParticipants_CacheIsPerPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.social.reposters = users("111")

	_, err := h.service.Participants(ctx, "T1", Interactive)
	require.NoError(t, err)
	_, err = h.service.Participants(ctx, "T2", Interactive)
	require.NoError(t, err)

	assert.Equal(t, 2, h.social.calls())
}

func TestParticipants_InteractiveSurfacesRateLimitImmediately(t *testing.T) {
	h := newHarness(t)
	h.social.reposterErrs = []error{&social.RateLimitError{RetryAfter: time.Minute}}

	done := make(chan error, 1)
	go func() {
		_, err := h.service.Participants(context.Background(), "T1", Interactive)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRateLimited)
	case <-time.After(2 * time.Second):
		t.Fatal("interactive lookup waited on the rate limit")
	}
	assert.Equal(t, 1, h.social.calls())
}

func TestParticipants_BatchBacksOffAndRetries(t *testing.T) {
	h := newHarness(t)
	h.social.reposters = users("111")
	h.social.reposterErrs = []error{&social.RateLimitError{}, &social.RateLimitError{}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		participants map[string]struct{}
		err          error
	}
	done := make(chan result, 1)
	go func() {
		participants, err := h.service.Participants(ctx, "T1", Batch)
		done <- result{participants, err}
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
		h.clock.Advance(15 * time.Minute)
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.participants, "111")
	case <-ctx.Done():
		t.Fatal("batch lookup did not finish")
	}
	assert.Equal(t, 3, h.social.calls())
}

func TestParticipants_BatchGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.social.reposterErrs = []error{&social.RateLimitError{}, &social.RateLimitError{}, &social.RateLimitError{}, &social.RateLimitError{}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.service.Participants(ctx, "T1", Batch)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
		h.clock.Advance(15 * time.Minute)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRateLimited)
	case <-ctx.Done():
		t.Fatal("batch lookup did not give up")
	}
	assert.Equal(t, 3, h.social.calls())
}

func TestParticipants_BatchWaitIsCancellable(t *testing.T) {
	h := newHarness(t)
	h.social.reposterErrs = []error{&social.RateLimitError{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.service.Participants(ctx, "T1", Batch)
		done <- err
	}()

	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the backoff")
	}
}

func TestParticipants_OtherErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)
	h.social.reposterErrs = []error{&social.APIError{Endpoint: "retweeted_by", Status: http.StatusUnauthorized}}

	_, err := h.service.Participants(context.Background(), "T1", Batch)
	assert.ErrorIs(t, err, ErrExternalProvider)
	assert.Equal(t, 1, h.social.calls())

	h.social.reposterErrs = []error{social.ErrNotConfigured}
	_, err = h.service.Participants(context.Background(), "T1", Batch)
	assert.ErrorIs(t, err, ErrProviderMisconfigured)
}

func TestRefreshParticipation_TimestampIsNeverMoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.storage.LinkRegistration(ctx, walletA, "111", "alice")
	require.NoError(t, err)
	h.social.reposters = users("111")

	refresh, err := h.service.RefreshParticipation(ctx, Batch)
	require.NoError(t, err)
	assert.Equal(t, DefaultCampaignPostID, refresh.PostID)
	assert.Equal(t, int64(1), refresh.Marked)
	first := *h.registration(t, walletA).ParticipatedAt

	h.clock.Advance(time.Hour)
	refresh, err = h.service.RefreshParticipation(ctx, Batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refresh.Marked)
	assert.True(t, first.Equal(*h.registration(t, walletA).ParticipatedAt))
}

func TestRefreshParticipation_ParticipationIsIrrevocable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.participant(t, walletA, "111")

	// The account later removed its repost.
	h.social.reposters = nil
	_, err := h.service.RefreshParticipation(ctx, Batch)
	require.NoError(t, err)

	assert.NotNil(t, h.registration(t, walletA).ParticipatedAt)
}

func TestCheckParticipation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.CheckParticipation(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, &Participation{}, result)

	_, err = h.storage.LinkRegistration(ctx, walletA, "111", "alice")
	require.NoError(t, err)

	h.social.reposters = users("222")
	result, err = h.service.CheckParticipation(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, &Participation{Linked: true}, result)

	// Still cached without 111.
	h.social.reposters = users("111", "222")
	result, err = h.service.CheckParticipation(ctx, walletA)
	require.NoError(t, err)
	assert.False(t, result.Participated)

	h.clock.Advance(11 * time.Minute)
	result, err = h.service.CheckParticipation(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, &Participation{Linked: true, Participated: true}, result)
}

func TestCheckParticipation_RateLimitFallsBackToKnownState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.participant(t, walletA, "111")
	_, err := h.storage.LinkRegistration(ctx, walletB, "222", "bob")
	require.NoError(t, err)

	h.social.reposterErrs = []error{&social.RateLimitError{}, &social.RateLimitError{}}

	result, err := h.service.CheckParticipation(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, result.Participated)
	assert.Equal(t, 0, h.social.calls())

	_, err = h.service.CheckParticipation(ctx, walletB)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, errors.Is(err, social.ErrRateLimited))
	assert.Equal(t, 1, h.social.calls())
}

func TestCheckParticipation_InvalidWallet(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.CheckParticipation(context.Background(), "not-a-wallet")
	assert.ErrorIs(t, err, ErrValidation)
}
