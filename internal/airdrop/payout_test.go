package airdrop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"airdrop/internal/chain"
	"airdrop/internal/pending"
	"airdrop/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withRealClock rebuilds the service on the wall clock, for tests that poll.
func (h *harness) withRealClock(opts Options) {
	clock := clockwork.NewRealClock()
	h.service = NewService(Dependencies{
		Storage:    h.storage,
		Pending:    pending.NewDatabaseStore(h.storage, clock),
		Social:     h.social,
		Transferer: h.transferer,
		Clock:      clock,
	}, opts)
}

func TestClaim_RepostThenClaimTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.storage.LinkRegistration(ctx, walletA, "111", "alice")
	require.NoError(t, err)

	_, err = h.service.StartCampaign(ctx, "T1")
	require.NoError(t, err)
	h.social.reposters = users("111", "222")

	participation, err := h.service.CheckParticipation(ctx, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.True(t, participation.Participated)

	first, err := h.service.Claim(ctx, walletA)
	require.NoError(t, err)
	assert.False(t, first.AlreadyClaimed)
	assert.Equal(t, "0xtx1", first.TxID)
	assert.Equal(t, "1000", first.Amount)

	second, err := h.service.Claim(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, second.AlreadyClaimed)
	assert.Equal(t, first.TxID, second.TxID)

	assert.Equal(t, 1, h.transferer.broadcastCount())

	registration := h.registration(t, walletA)
	assert.Equal(t, storage.StatusPaid, registration.Status())
	assert.Equal(t, "0xtx1", registration.PayoutTxID)
	assert.Nil(t, registration.ReservationID)
	assert.True(t, t0.Equal(*registration.PaidAt))
}

func TestClaim_ConcurrentClaimsPayOnce(t *testing.T) {
	h := newHarness(t)
	h.withRealClock(testOptions())
	h.transferer.block = make(chan struct{})
	h.participant(t, walletA, "111")

	type result struct {
		payout *Payout
		err    error
	}
	results := make(chan result, 2)
	claim := func() {
		payout, err := h.service.Claim(context.Background(), walletA)
		results <- result{payout, err}
	}

	go claim()
	require.Eventually(t, func() bool {
		return h.registration(t, walletA).Status() == storage.StatusReserved
	}, 5*time.Second, 5*time.Millisecond)

	go claim()
	close(h.transferer.block)

	var txIDs []string
	claimed := 0
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		txIDs = append(txIDs, r.payout.TxID)
		if r.payout.AlreadyClaimed {
			claimed++
		}
	}

	assert.Equal(t, txIDs[0], txIDs[1])
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, h.transferer.broadcastCount())
}

func TestClaim_ManyConcurrentClaimsBroadcastOnce(t *testing.T) {
	h := newHarness(t)
	h.withRealClock(testOptions())
	h.participant(t, walletA, "111")

	var wg sync.WaitGroup
	var mu sync.Mutex
	txIDs := map[string]struct{}{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payout, err := h.service.Claim(context.Background(), walletA)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			txIDs[payout.TxID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, txIDs, 1)
	assert.Equal(t, 1, h.transferer.broadcastCount())
}

func TestClaim_DefinitiveFailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.participant(t, walletA, "111")
	h.transferer.broadcastErr = errors.New("nonce too low")

	_, err := h.service.Claim(ctx, walletA)
	assert.ErrorIs(t, err, ErrExternalProvider)

	registration := h.registration(t, walletA)
	assert.Equal(t, storage.StatusParticipated, registration.Status())
	assert.Empty(t, registration.PendingTxID)

	// No automatic retry: the next claim is a fresh attempt.
	h.transferer.broadcastErr = nil
	payout, err := h.service.Claim(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, "0xtx2", payout.TxID)
	assert.Equal(t, 1, h.transferer.broadcastCount())
}

func TestClaim_PrepareFailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.participant(t, walletA, "111")
	h.transferer.prepareErr[walletA] = fmt.Errorf("%w: have 0", chain.ErrInsufficientFunds)

	_, err := h.service.Claim(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrExternalProvider)
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)

	assert.Equal(t, storage.StatusParticipated, h.registration(t, walletA).Status())
	assert.Equal(t, 0, h.transferer.broadcastCount())
}

func TestClaim_AmbiguousFailureKeepsReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.participant(t, walletA, "111")
	h.transferer.broadcastErr = context.DeadlineExceeded

	_, err := h.service.Claim(ctx, walletA)
	require.ErrorIs(t, err, ErrPayoutPending)

	registration := h.registration(t, walletA)
	assert.Equal(t, storage.StatusReserved, registration.Status())
	assert.Equal(t, "0xtx1", registration.PendingTxID)

	// A claim arriving while the outcome is unknown does not pay again.
	h.transferer.broadcastErr = nil
	h.withRealClock(func() Options {
		opts := testOptions()
		opts.ClaimWaitTimeout = 20 * time.Millisecond
		return opts
	}())
	_, err = h.service.Claim(ctx, walletA)
	assert.ErrorIs(t, err, ErrClaimInProgress)
	assert.Equal(t, 0, h.transferer.broadcastCount())
}

type failingRecordStorage struct {
	storage.Storage
	err error
}

func (f failingRecordStorage) RecordPendingTx(context.Context, string, string, string) error {
	return f.err
}

func TestClaim_UnrecordedTransferIsAbandoned(t *testing.T) {
	h := newHarness(t)
	h.participant(t, walletA, "111")
	h.service.storage = failingRecordStorage{Storage: h.storage, err: errors.New("database is locked")}

	_, err := h.service.Claim(context.Background(), walletA)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPayoutPending)

	assert.Equal(t, 1, h.transferer.abandonedCount())
	assert.Equal(t, 0, h.transferer.broadcastCount())
	assert.Equal(t, storage.StatusParticipated, h.registration(t, walletA).Status())
}

func TestClaim_AmbiguousSendSettledOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.participant(t, walletA, "111")
	h.transferer.hashOnSend = true
	h.transferer.sendErr = context.DeadlineExceeded

	_, err := h.service.Claim(ctx, walletA)
	require.ErrorIs(t, err, ErrPayoutPending)
	assert.Equal(t, "0xsent1", h.registration(t, walletA).PendingTxID)

	h.transferer.sendErr = nil
	h.transferer.states["0xsent1"] = chain.StateLanded
	h.clock.Advance(16 * time.Minute)

	sweep, err := h.service.ReleaseStaleReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, Sweep{Confirmed: 1}, *sweep)

	payout, err := h.service.Claim(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, payout.AlreadyClaimed)
	assert.Equal(t, "0xsent1", payout.TxID)
	assert.Equal(t, 1, h.transferer.broadcastCount())
}

func TestReleaseStaleReservations_KeepsReservationWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.participant(t, walletA, "111")
	h.transferer.hashOnSend = true
	h.transferer.sendErr = context.DeadlineExceeded
	h.service.storage = failingRecordStorage{Storage: h.storage, err: errors.New("database is locked")}

	_, err := h.service.Claim(ctx, walletA)
	require.ErrorIs(t, err, ErrPayoutPending)
	h.service.storage = h.storage
	assert.Empty(t, h.registration(t, walletA).PendingTxID)

	h.clock.Advance(16 * time.Minute)
	sweep, err := h.service.ReleaseStaleReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, Sweep{Unresolved: 1}, *sweep)
	assert.Equal(t, storage.StatusReserved, h.registration(t, walletA).Status())

	// The send may have gone out, so nothing pays the wallet again.
	h.transferer.sendErr = nil
	opts := testOptions()
	opts.ClaimWaitTimeout = 20 * time.Millisecond
	h.withRealClock(opts)

	_, err = h.service.Claim(ctx, walletA)
	assert.ErrorIs(t, err, ErrClaimInProgress)
	assert.Equal(t, 1, h.transferer.broadcastCount())
}

func TestReleaseStaleReservations(t *testing.T) {
	tests := []struct {
		name      string
		state     chain.TransferState
		wantState storage.RegistrationStatus
		want      Sweep
	}{
		{name: "landed", state: chain.StateLanded, wantState: storage.StatusPaid, want: Sweep{Confirmed: 1}},
		{name: "pending", state: chain.StatePending, wantState: storage.StatusReserved, want: Sweep{Pending: 1}},
		{name: "not found", state: chain.StateNotFound, wantState: storage.StatusParticipated, want: Sweep{Released: 1}},
		{name: "failed", state: chain.StateFailed, wantState: storage.StatusParticipated, want: Sweep{Released: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.participant(t, walletA, "111")
			h.transferer.broadcastErr = context.DeadlineExceeded

			_, err := h.service.Claim(ctx, walletA)
			require.ErrorIs(t, err, ErrPayoutPending)
			h.transferer.states["0xtx1"] = tt.state
			// Confirmation records the amount reserved, not the current setting.
			h.service.opts.Amount = decimal.NewFromInt(5)

			// Not stale yet.
			sweep, err := h.service.ReleaseStaleReservations(ctx)
			require.NoError(t, err)
			assert.Equal(t, Sweep{}, *sweep)

			h.clock.Advance(16 * time.Minute)
			sweep, err = h.service.ReleaseStaleReservations(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *sweep)

			registration := h.registration(t, walletA)
			assert.Equal(t, tt.wantState, registration.Status())
			if tt.wantState == storage.StatusPaid {
				assert.Equal(t, "0xtx1", registration.PayoutTxID)
				assert.Equal(t, "1000", registration.PayoutAmount)
			}
		})
	}
}

func TestReleaseStaleReservations_PurgesExpiredLinkState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.StartLink(ctx, walletA)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	_, err = h.service.ReleaseStaleReservations(ctx)
	require.NoError(t, err)

	// Still live.
	purged, err := h.storage.DeleteExpiredPendingLinks(ctx, t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = h.service.StartLink(ctx, walletA)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)
	_, err = h.service.ReleaseStaleReservations(ctx)
	require.NoError(t, err)

	purged, err = h.storage.DeleteExpiredPendingLinks(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)
}

func TestClaim_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Claim(ctx, "0xnot-a-wallet")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.service.Claim(ctx, walletA)
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = h.storage.LinkRegistration(ctx, walletA, "111", "alice")
	require.NoError(t, err)
	_, err = h.service.Claim(ctx, walletA)
	assert.ErrorIs(t, err, ErrNotParticipated)

	assert.Equal(t, 0, h.transferer.broadcastCount())
}

func TestClaim_CapReached(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRecipients = 1 })
	ctx := context.Background()
	h.participant(t, walletA, "111")
	h.participant(t, walletB, "222")

	_, err := h.service.Claim(ctx, walletA)
	require.NoError(t, err)

	_, err = h.service.Claim(ctx, walletB)
	assert.ErrorIs(t, err, ErrCapReached)
	assert.Equal(t, 1, h.transferer.broadcastCount())
}

func TestClaim_CampaignWindowElapsed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CampaignWindow = time.Hour })
	ctx := context.Background()
	h.participant(t, walletA, "111")

	_, err := h.service.StartCampaign(ctx, "T1")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.service.Claim(ctx, walletA)
	assert.ErrorIs(t, err, ErrCampaignClosed)
}

func TestClaim_UnconfiguredChain(t *testing.T) {
	h := newHarness(t)
	h.participant(t, walletA, "111")
	h.service.transferer = chain.Unconfigured{}

	_, err := h.service.Claim(context.Background(), walletA)
	assert.ErrorIs(t, err, ErrProviderMisconfigured)
	assert.Equal(t, storage.StatusParticipated, h.registration(t, walletA).Status())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := h.service.Status(ctx, walletA)
	require.NoError(t, err)
	assert.False(t, status.Linked)

	h.participant(t, walletA, "111")
	status, err = h.service.Status(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, status.Participated)
	assert.Equal(t, storage.StatusParticipated, status.State)
	assert.Equal(t, "handle_111", status.Handle)

	_, err = h.service.Claim(ctx, walletA)
	require.NoError(t, err)
	status, err = h.service.Status(ctx, walletA)
	require.NoError(t, err)
	assert.True(t, status.Paid)
	assert.Equal(t, "0xtx1", status.TxID)
}
