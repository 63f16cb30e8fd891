package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth2Error is a protocol error as returned to HTTP callers.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	// Status is the HTTP status code the error maps to.
	Status int `json:"-"`
}

func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Error codes returned by the authorization server.
const (
	InvalidRequest                 = "invalid_request"
	UnsupportedResponseType        = "unsupported_response_type"
	UnsupportedCodeChallengeMethod = "unsupported_code_challenge_method"
	MissingOpenIDScope             = "missing_openid_scope"
	InvalidClient                  = "invalid_client"
	InvalidRedirectURI             = "invalid_redirect_uri"
	LoginRequired                  = "login_required"
	InvalidSession                 = "invalid_session"

	UnsupportedGrantType = "unsupported_grant_type"
	InvalidCode          = "invalid_code"
	CodeExpired          = "code_expired"
	InvalidPKCE          = "invalid_pkce"

	InvalidAuthorizationHeader = "invalid_authorization_header"
	InvalidToken               = "invalid_token"

	InvalidCredential      = "invalid_credential"
	EmailAlreadyRegistered = "email_already_registered"
	Unauthorized           = "unauthorized"

	ServerError = "server_error"
)

// New creates an error with the given code, description and status.
func New(code, description string, status int) *OAuth2Error {
	return &OAuth2Error{Code: code, Description: description, Status: status}
}

// BadRequest is a 400 protocol error.
func BadRequest(code, description string) *OAuth2Error {
	return New(code, description, http.StatusBadRequest)
}

// Unauthenticated is a 401 protocol error.
func Unauthenticated(code, description string) *OAuth2Error {
	return New(code, description, http.StatusUnauthorized)
}

func NewInvalidRequest(description string) *OAuth2Error {
	return BadRequest(InvalidRequest, description)
}

func NewInvalidClient() *OAuth2Error {
	return BadRequest(InvalidClient, "unknown client_id")
}

func NewInvalidCode() *OAuth2Error {
	return BadRequest(InvalidCode, "authorization code is invalid or already used")
}

func NewInvalidToken() *OAuth2Error {
	return Unauthenticated(InvalidToken, "")
}

func NewServerError(description string) *OAuth2Error {
	return New(ServerError, description, http.StatusInternalServerError)
}

// As extracts an *OAuth2Error from err.
func As(err error) (*OAuth2Error, bool) {
	var oauthErr *OAuth2Error
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for err. Anything that is not a
// protocol error is a server error.
func StatusOf(err error) int {
	if oauthErr, ok := As(err); ok && oauthErr.Status != 0 {
		return oauthErr.Status
	}
	return http.StatusInternalServerError
}
