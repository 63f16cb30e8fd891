package nucleus_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/memory"
)

const (
	testRedirectURI = "https://forms.example.com/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var (
	keysOnce sync.Once
	testKeys *nucleus.KeyProvider
)

func sharedKeys(t *testing.T) *nucleus.KeyProvider {
	t.Helper()
	keysOnce.Do(func() {
		k, err := nucleus.GenerateKeyProvider(nucleus.DefaultKeyBits, "nucleus-auth-1")
		require.NoError(t, err)
		testKeys = k
	})
	return testKeys
}

// clock is a settable time source shared by every component of a flowEnv.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type flowEnv struct {
	clock    *clock
	config   *nucleus.ProviderConfig
	store    *memory.Store
	tokens   *nucleus.TokenEngine
	sessions *nucleus.SessionSigner
	svc      *nucleus.OAuthService
	user     *nucleus.User
	session  nucleus.SessionToken
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	return newFlowEnvWithStore(t, memory.New(), nil)
}

// newFlowEnvWithStore builds an env whose codes live in codes (the memory
// store when nil); users always come from a memory store.
func newFlowEnvWithStore(t *testing.T, store *memory.Store, codes nucleus.CodeStore) *flowEnv {
	t.Helper()

	c := &clock{now: time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)}
	cfg := nucleus.NewDefaultConfig("")

	sessions, err := nucleus.NewSessionSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	sessions = sessions.WithClock(c.Now)

	tokens := nucleus.NewTokenEngine(sharedKeys(t), nucleus.WithTokenClock(c.Now))

	if codes == nil {
		codes = store
	}

	user := &nucleus.User{
		ID:            "5b0c3c1e-8f1a-4b61-9d7e-2f1f3c7a9b10",
		Email:         "dev@nucleus.local",
		Name:          "Dev User",
		PasswordHash:  "unused",
		EmailVerified: true,
		CreatedAt:     c.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), user))

	session, err := sessions.Create(user.ID)
	require.NoError(t, err)

	return &flowEnv{
		clock:    c,
		config:   cfg,
		store:    store,
		tokens:   tokens,
		sessions: sessions,
		svc:      nucleus.NewOAuthService(cfg, codes, store, tokens, sessions, nucleus.WithClock(c.Now)),
		user:     user,
		session:  session,
	}
}

func (e *flowEnv) authorizeRequest(scope string) *nucleus.AuthorizeRequest {
	return &nucleus.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            nucleus.DefaultClientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       nucleus.S256Challenge(testVerifier),
		CodeChallengeMethod: "S256",
		Session:             e.session,
	}
}

func (e *flowEnv) tokenRequest(code string) *nucleus.TokenRequest {
	return &nucleus.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     nucleus.DefaultClientID,
		CodeVerifier: testVerifier,
	}
}

// issueCode runs /authorize and returns the code from the redirect.
func (e *flowEnv) issueCode(t *testing.T, scope string) string {
	t.Helper()
	redirect, err := e.svc.Authorize(context.Background(), e.authorizeRequest(scope))
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// mockCodeStore lets tests inject storage failures.
type mockCodeStore struct {
	mock.Mock
}

func (m *mockCodeStore) Create(ctx context.Context, code *nucleus.AuthorizationCode) error {
	return m.Called(ctx, code).Error(0)
}

func (m *mockCodeStore) FindUnused(ctx context.Context, code string) (*nucleus.AuthorizationCode, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nucleus.AuthorizationCode), args.Error(1)
}

func (m *mockCodeStore) MarkUsed(ctx context.Context, code string) error {
	return m.Called(ctx, code).Error(0)
}

func (m *mockCodeStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCodeStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}
