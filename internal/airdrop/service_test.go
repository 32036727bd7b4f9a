package airdrop

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"airdrop/internal/chain"
	"airdrop/internal/pending"
	"airdrop/internal/social"
	"airdrop/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	walletA = "0xaaaa000000000000000000000000000000000001"
	walletB = "0xbbbb000000000000000000000000000000000002"
)

type fakeSocial struct {
	mu sync.Mutex

	configured     bool
	user           social.User
	exchangeErr    error
	meErr          error
	reposters      []social.User
	reposterErrs   []error
	reposterCalls  int
	publishedText  string
	publishID      string
	lastVerifier   string
	lastAuthorized string
}

func (f *fakeSocial) OAuthConfigured() bool { return f.configured }

func (f *fakeSocial) AuthorizeURL(redirectURI, state, challenge string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuthorized = state
	return "https://twitter.example/authorize?" + url.Values{
		"redirect_uri":   {redirectURI},
		"state":          {state},
		"code_challenge": {challenge},
	}.Encode(), nil
}

func (f *fakeSocial) ExchangeCode(_ context.Context, code, _ string, verifier string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVerifier = verifier
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return "token-" + code, nil
}

func (f *fakeSocial) Me(context.Context, string) (*social.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return nil, f.meErr
	}
	user := f.user
	return &user, nil
}

func (f *fakeSocial) Reposters(context.Context, string) ([]social.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reposterCalls++
	if len(f.reposterErrs) > 0 {
		err := f.reposterErrs[0]
		f.reposterErrs = f.reposterErrs[1:]
		return nil, err
	}
	return append([]social.User(nil), f.reposters...), nil
}

func (f *fakeSocial) PublishPost(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishedText = text
	return f.publishID, nil
}

func (f *fakeSocial) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reposterCalls
}

type fakeTransferer struct {
	chain.Unconfigured

	mu           sync.Mutex
	seq          int
	prepareErr   map[string]error
	broadcastErr error
	broadcasts   int
	abandoned    int
	block        chan struct{}
	states       map[string]chain.TransferState

	// hashOnSend names transfers only once sent, as TON does. The send goes out and
	// sendErr, if set, is returned with the id.
	hashOnSend bool
	sendErr    error
}

func (f *fakeTransferer) Prepare(_ context.Context, to string, amount decimal.Decimal) (*chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.prepareErr[to]; err != nil {
		return nil, err
	}
	f.seq++
	if f.hashOnSend {
		return &chain.Transfer{To: to, Amount: amount}, nil
	}
	return &chain.Transfer{To: to, Amount: amount, TxID: fmt.Sprintf("0xtx%d", f.seq)}, nil
}

func (f *fakeTransferer) Abandon(*chain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned++
}

func (f *fakeTransferer) Broadcast(_ context.Context, transfer *chain.Transfer) (string, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts++
	if f.hashOnSend {
		transfer.TxID = fmt.Sprintf("0xsent%d", f.broadcasts)
		return transfer.TxID, f.sendErr
	}
	return transfer.TxID, nil
}

func (f *fakeTransferer) Status(_ context.Context, txID string) (chain.TransferState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[txID], nil
}

func (f *fakeTransferer) abandonedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abandoned
}

func (f *fakeTransferer) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

type harness struct {
	service    *Service
	storage    *storage.GormStorage
	social     *fakeSocial
	transferer *fakeTransferer
	clock      *clockwork.FakeClock
}

func testOptions() Options {
	return Options{
		Amount:                decimal.NewFromInt(1000),
		MaxRecipients:         10,
		RedirectURI:           "https://app.example/airdrop/link/callback",
		CampaignText:          "Repost to claim",
		PendingLinkTTL:        10 * time.Minute,
		ParticipationCacheTTL: 10 * time.Minute,
		RateLimitBackoff:      15 * time.Minute,
		RateLimitRetries:      2,
		ReservationTimeout:    15 * time.Minute,
		ClaimWaitTimeout:      20 * time.Second,
		ClaimPollInterval:     5 * time.Millisecond,
		Chain:                 "evm",
		TokenSymbol:           "APPCLAW",
		TokenDecimals:         18,
	}
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	s, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	opts := testOptions()
	for _, fn := range configure {
		fn(&opts)
	}

	clock := clockwork.NewFakeClockAt(t0)
	h := &harness{
		storage:    s,
		social:     &fakeSocial{configured: true, user: social.User{ID: "111", Username: "alice"}},
		transferer: &fakeTransferer{states: map[string]chain.TransferState{}, prepareErr: map[string]error{}},
		clock:      clock,
	}
	h.service = NewService(Dependencies{
		Storage:    s,
		Pending:    pending.NewDatabaseStore(s, clock),
		Social:     h.social,
		Transferer: h.transferer,
		Clock:      clock,
	}, opts)

	return h
}

// participant links wallet to socialID and marks it as participated.
func (h *harness) participant(t *testing.T, wallet, socialID string) {
	t.Helper()
	ctx := context.Background()

	_, err := h.storage.LinkRegistration(ctx, wallet, socialID, "handle_"+socialID)
	require.NoError(t, err)
	_, err = h.storage.MarkParticipated(ctx, []string{socialID}, t0)
	require.NoError(t, err)
}

func (h *harness) registration(t *testing.T, wallet string) *storage.Registration {
	t.Helper()

	registration, err := h.storage.GetRegistrationByWallet(context.Background(), wallet)
	require.NoError(t, err)
	return registration
}
