package nucleus

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Protocol constants.
const (
	ResponseTypeCode           = "code"
	GrantTypeAuthorizationCode = "authorization_code"
	TokenTypeBearer            = "Bearer"

	ScopeOpenID  = "openid"
	ScopeEmail   = "email"
	ScopeProfile = "profile"

	DefaultIssuer      = "https://nucleus.example.com"
	DefaultClientID    = "forms-web"
	DefaultAuthCodeTTL = 5 * time.Minute
	DefaultTokenTTL    = 15 * time.Minute
)

// ProviderConfig holds the protocol settings shared by the flows.
type ProviderConfig struct {
	Issuer   string
	ClientID string
	// RedirectURIs, when non-empty, is the exact-match allowlist for
	// redirect_uri.
	RedirectURIs  []string
	AuthCodeTTL   time.Duration
	TokenTTL      time.Duration
	SessionMaxAge time.Duration
}

// NewDefaultConfig returns the settings of a stock deployment.
func NewDefaultConfig(issuer string) *ProviderConfig {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &ProviderConfig{
		Issuer:        issuer,
		ClientID:      DefaultClientID,
		AuthCodeTTL:   DefaultAuthCodeTTL,
		TokenTTL:      DefaultTokenTTL,
		SessionMaxAge: DefaultSessionMaxAge,
	}
}

// Validate checks if the configuration is usable.
func (c *ProviderConfig) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer cannot be empty")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if c.AuthCodeTTL <= 0 {
		return fmt.Errorf("auth code TTL must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("session max age must be positive")
	}
	return nil
}

func (c *ProviderConfig) redirectAllowed(redirectURI string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	for _, u := range c.RedirectURIs {
		if u == redirectURI {
			return true
		}
	}
	return false
}

// DiscoveryDocument is served at /.well-known/openid-configuration.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery builds the static discovery document for the issuer.
func (c *ProviderConfig) Discovery() DiscoveryDocument {
	base := strings.TrimRight(c.Issuer, "/")
	return DiscoveryDocument{
		Issuer:                            c.Issuer,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		UserInfoEndpoint:                  base + "/userinfo",
		JWKSURI:                           base + "/jwks.json",
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{SigningAlgorithm},
		ScopesSupported:                   []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat",
			"email", "email_verified", "name", "nonce",
		},
	}
}
