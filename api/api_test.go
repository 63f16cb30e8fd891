package api_test

import (
	"context"
	"encoding/json"
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/api"
	"go.pilab.hu/nucleus/internal/audit"
	"go.pilab.hu/nucleus/internal/auth"
	"go.pilab.hu/nucleus/internal/metrics"
	"go.pilab.hu/nucleus/internal/server"
	"go.pilab.hu/nucleus/log"
	"go.pilab.hu/nucleus/memory"
)

const (
	redirectURI = "https://forms.example.com/callback"
	adminToken  = "admin-secret"
)

var (
	keysOnce sync.Once
	keys     *nucleus.KeyProvider
)

type testServer struct {
	*httptest.Server
	client *http.Client
	tokens *nucleus.TokenEngine
	store  *memory.Store
	oauth  oauth2.Config
	now    time.Time
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("store offline") }

func newTestServer(t *testing.T, pinger api.Pinger) *testServer {
	t.Helper()
	return newAuditedTestServer(t, pinger, nil)
}

func newAuditedTestServer(t *testing.T, pinger api.Pinger, recorder *audit.Recorder) *testServer {
	t.Helper()

	keysOnce.Do(func() {
		k, err := nucleus.GenerateKeyProvider(nucleus.DefaultKeyBits, "nucleus-auth-1")
		require.NoError(t, err)
		keys = k
	})

	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	clock := func() time.Time { return now }

	store := memory.New()
	if pinger == nil {
		pinger = store
	}

	sessions, err := nucleus.NewSessionSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	sessions = sessions.WithClock(clock)
	tokens := nucleus.NewTokenEngine(keys, nucleus.WithTokenClock(clock))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	oauthSvc := nucleus.NewOAuthService(nucleus.NewDefaultConfig(""), store, store, tokens, sessions,
		nucleus.WithClock(clock), nucleus.WithMetrics(m))
	accounts := nucleus.NewAccountService(store, auth.NewBcryptPasswordHasher(4), sessions, nil, m)

	oauthAPI := api.NewOAuth2API(api.Options{
		OAuth:      oauthSvc,
		Accounts:   accounts,
		Janitor:    nucleus.NewJanitor(store, 0, nil, m),
		Store:      pinger,
		Logger:     log.NewNopLogger(),
		Audit:      recorder,
		AdminToken: adminToken,
		Gatherer:   reg,
	})

	srv := httptest.NewServer(server.NewRouter("nucleus-test", log.NewNopLogger(), oauthAPI))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testServer{
		Server: srv,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tokens: tokens,
		store:  store,
		now:    now,
		oauth: oauth2.Config{
			ClientID:    nucleus.DefaultClientID,
			RedirectURL: redirectURI,
			Scopes:      []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   srv.URL + "/authorize",
				TokenURL:  srv.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func (s *testServer) postJSON(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

func (s *testServer) get(t *testing.T, path string, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	return s.do(t, req)
}

func (s *testServer) signupAndLogin(t *testing.T) {
	t.Helper()
	resp, body := s.postJSON(t, "/signup", `{"email":"Ada@Example.com","password":"hunter22","name":"Ada"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ada@example.com", body["email"])
	assert.NotEmpty(t, body["id"])

	resp, body = s.postJSON(t, "/login", `{"email":"ada@example.com","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

// authorize runs /authorize with the session cookie and returns the code.
func (s *testServer) authorize(t *testing.T, verifier string) string {
	t.Helper()
	authURL := s.oauth.AuthCodeURL("xyz", oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("nonce", "n-1"))
	resp, _ := s.get(t, strings.TrimPrefix(authURL, s.URL), nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "forms.example.com", loc.Host)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestAuthorizationCodeFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.signupAndLogin(t)

	verifier := oauth2.GenerateVerifier()
	code := s.authorize(t, verifier)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.client)
	tok, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)

	access, err := s.tokens.Verify(ctx, tok.AccessToken, nucleus.DefaultIssuer)
	require.NoError(t, err)
	assert.Equal(t, s.now.Add(900*time.Second).Unix(), access.ExpiresAt.Unix())
	assert.Equal(t, "openid email profile", access.Scope)

	idToken, ok := tok.Extra("id_token").(string)
	require.True(t, ok)
	id, err := s.tokens.Verify(ctx, idToken, nucleus.DefaultIssuer)
	require.NoError(t, err)
	assert.Equal(t, access.Subject, id.Subject)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, "Ada", id.Name)
	assert.Equal(t, "n-1", id.Nonce)

	resp, body := s.get(t, "/userinfo", http.Header{"Authorization": {"Bearer " + tok.AccessToken}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{
		"sub":            access.Subject,
		"email":          "ada@example.com",
		"email_verified": false,
		"name":           "Ada",
	}, body)

	// Replaying the code fails exactly like an unknown code.
	_, err = s.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)
	assert.Equal(t, "invalid_code", retrieveErr.ErrorCode)
}

func TestTokenPKCEMismatch(t *testing.T) {
	s := newTestServer(t, nil)
	s.signupAndLogin(t)

	verifier := oauth2.GenerateVerifier()
	code := s.authorize(t, verifier)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {nucleus.DefaultClientID},
		"code_verifier": {oauth2.GenerateVerifier()},
	}
	req, err := http.NewRequest(http.MethodPost, s.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, body := s.do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_pkce", body["error"])
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.client)
	_, err = s.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	assert.NoError(t, err, "a failed verifier must not consume the code")
}

func TestAuthorizeErrors(t *testing.T) {
	s := newTestServer(t, nil)
	verifier := oauth2.GenerateVerifier()

	authURL := strings.TrimPrefix(s.oauth.AuthCodeURL("xyz", oauth2.S256ChallengeOption(verifier)), s.URL)
	resp, body := s.get(t, authURL, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "login_required", body["error"])

	s.signupAndLogin(t)
	resp, body = s.get(t, strings.Replace(authURL, "code_challenge_method=S256", "code_challenge_method=plain", 1), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_code_challenge_method", body["error"])

	badSession := http.Header{"Cookie": {nucleus.SessionCookieName + "=forged"}}
	plain := &http.Client{CheckRedirect: s.client.CheckRedirect}
	req, err := http.NewRequest(http.MethodGet, s.URL+authURL, nil)
	require.NoError(t, err)
	req.Header = badSession
	r, err := plain.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
}

func TestLogin(t *testing.T) {
	s := newTestServer(t, nil)
	s.signupAndLogin(t)

	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	cookies := s.client.Jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, nucleus.SessionCookieName, cookies[0].Name)

	resp, body := s.postJSON(t, "/login", `{"email":"ada@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credential", body["error"])

	form := url.Values{"email": {"ada@example.com"}, "password": {"hunter22"}}
	req, err := http.NewRequest(http.MethodPost, s.URL+"/login", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, _ = s.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	setCookie := resp.Header.Get("Set-Cookie")
	assert.Contains(t, setCookie, "HttpOnly")
	assert.Contains(t, setCookie, "SameSite=Lax")
	assert.Contains(t, setCookie, "Max-Age=3600")
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestSignupErrors(t *testing.T) {
	s := newTestServer(t, nil)
	s.signupAndLogin(t)

	resp, body := s.postJSON(t, "/signup", `{"email":"ada@example.com","password":"hunter22"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "email_already_registered", body["error"])

	resp, body = s.postJSON(t, "/signup", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestUserInfoErrors(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.get(t, "/userinfo", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_authorization_header", body["error"])
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, body = s.get(t, "/userinfo", http.Header{"Authorization": {"Bearer not-a-token"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", body["error"])
}

func TestJWKS(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/jwks.json", "/.well-known/jwks.json"} {
		resp, err := s.client.Get(s.URL + path)
		require.NoError(t, err)

		var set jose.JSONWebKeySet
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
		resp.Body.Close()

		found := set.Key("nucleus-auth-1")
		require.Len(t, found, 1, path)
		assert.Equal(t, "RS256", found[0].Algorithm)
		assert.Equal(t, "sig", found[0].Use)
		assert.True(t, keys.PublicKey().Equal(found[0].Key), path)
	}
}

func TestDiscovery(t *testing.T) {
	s := newTestServer(t, nil)
	resp, body := s.get(t, "/.well-known/openid-configuration", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, nucleus.DefaultIssuer, body["issuer"])
	assert.Equal(t, nucleus.DefaultIssuer+"/jwks.json", body["jwks_uri"])
	assert.Equal(t, []interface{}{"S256"}, body["code_challenge_methods_supported"])
}

func TestHealth(t *testing.T) {
	resp, body := newTestServer(t, nil).get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = newTestServer(t, failingPinger{}).get(t, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["status"])
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.store.Create(context.Background(), &nucleus.AuthorizationCode{
		Code:      "stale",
		ClientID:  nucleus.DefaultClientID,
		UserID:    "u1",
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	resp, body := s.get(t, "/admin/db-stats", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	adminAuth := http.Header{"Authorization": {"Bearer " + adminToken}}
	resp, body = s.get(t, "/admin/db-stats", adminAuth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["active_authorization_codes"])

	req, err := http.NewRequest(http.MethodPost, s.URL+"/admin/cleanup", nil)
	require.NoError(t, err)
	req.Header = adminAuth
	resp, body = s.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["deleted"])
	assert.Equal(t, "Cleaned up 1 expired authorization codes", body["message"])
}

func TestRouterBehaviour(t *testing.T) {
	s := newTestServer(t, nil)

	resp, body := s.get(t, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp, _ = s.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsRecordFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.signupAndLogin(t)
	s.authorize(t, oauth2.GenerateVerifier())

	resp, err := s.client.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "nucleus_authorization_codes_issued_total 1")
	assert.Contains(t, string(raw), `nucleus_logins_total{outcome="success"} 1`)
}

// syncBuffer is written by handler goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAuditTrail(t *testing.T) {
	var buf syncBuffer
	s := newAuditedTestServer(t, nil, audit.New(&buf, "nucleus-test"))
	s.signupAndLogin(t)
	s.postJSON(t, "/login", `{"email":"ada@example.com","password":"wrong"}`)

	var events []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry struct {
			Event audit.Event `json:"audit_event"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		events = append(events, entry.Event)
	}

	require.Len(t, events, 3)
	assert.Equal(t, audit.ActionSignup, events[0].Action)
	assert.True(t, events[0].Success)
	assert.Equal(t, audit.ActionLogin, events[1].Action)
	assert.True(t, events[1].Success)
	assert.False(t, events[2].Success)
	assert.Equal(t, "invalid_credential", events[2].Error)
	assert.Equal(t, "ada@example.com", events[2].User)
}
