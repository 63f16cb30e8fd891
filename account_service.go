package nucleus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	oautherrors "go.pilab.hu/nucleus/errors"
	"go.pilab.hu/nucleus/internal/metrics"
	"go.pilab.hu/nucleus/log"
	"go.pilab.hu/nucleus/tracing"
)

// DefaultPasswordMinLength is the shortest password signup accepts.
const DefaultPasswordMinLength = 4

// SignupRequest is the /signup body.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`

	// EmailVerified marks the address as already confirmed. It is only set
	// by operator tooling; the HTTP body cannot carry it.
	EmailVerified bool `json:"-"`
}

// AccountService registers users and signs them in.
type AccountService struct {
	users        UserStore
	hasher       PasswordHasher
	sessions     *SessionSigner
	logger       log.Logger
	metrics      *metrics.Metrics
	minPasswdLen int
	now          func() time.Time

	// dummyHash is verified against when the email is unknown so a miss
	// costs as much as a wrong password.
	dummyOnce sync.Once
	dummyHash string
}

func NewAccountService(users UserStore, hasher PasswordHasher, sessions *SessionSigner, logger log.Logger, m *metrics.Metrics) *AccountService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &AccountService{
		users:        users,
		hasher:       hasher,
		sessions:     sessions,
		logger:       logger,
		metrics:      m,
		minPasswdLen: DefaultPasswordMinLength,
		now:          time.Now,
	}
}

// SetPasswordMinLength changes the signup password length floor.
func (s *AccountService) SetPasswordMinLength(n int) {
	if n > 0 {
		s.minPasswdLen = n
	}
}

// NormalizeEmail validates an address and returns its canonical form.
func NormalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("invalid email address %q", email)
	}
	return strings.ToLower(addr.Address), nil
}

// Signup registers a new user.
func (s *AccountService) Signup(ctx context.Context, req *SignupRequest) (*User, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AccountService.Signup")
	defer span.End()

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, oautherrors.NewInvalidRequest("email is not a valid address")
	}
	if len(req.Password) < s.minPasswdLen {
		return nil, oautherrors.NewInvalidRequest(fmt.Sprintf("password must be at least %d characters", s.minPasswdLen))
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          strings.TrimSpace(req.Name),
		PasswordHash:  hash,
		EmailVerified: req.EmailVerified,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, oautherrors.New(oautherrors.EmailAlreadyRegistered, "", http.StatusConflict)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.metrics.UserRegistered()
	s.logger.Info(ctx, "User registered", map[string]interface{}{"user_id": user.ID})
	return user, nil
}

// Login checks the credentials and returns a fresh session token.
func (s *AccountService) Login(ctx context.Context, email, password string) (SessionToken, *User, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AccountService.Login")
	defer span.End()

	invalid := oautherrors.Unauthenticated(oautherrors.InvalidCredential, "")

	normalized, err := NormalizeEmail(email)
	if err != nil {
		s.verifyDummy(password)
		s.metrics.Login("failure")
		return "", nil, invalid
	}

	user, err := s.users.GetUserByEmail(ctx, normalized)
	if errors.Is(err, ErrUserNotFound) {
		s.verifyDummy(password)
		s.metrics.Login("failure")
		return "", nil, invalid
	}
	if err != nil {
		span.RecordError(err)
		return "", nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		s.metrics.Login("failure")
		s.logger.Debug(ctx, "Password mismatch", map[string]interface{}{"user_id": user.ID})
		return "", nil, invalid
	}

	token, err := s.sessions.Create(user.ID)
	if err != nil {
		return "", nil, err
	}

	s.metrics.Login("success")
	return token, user, nil
}

func (s *AccountService) verifyDummy(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err != nil {
			s.logger.Warn(context.Background(), "Failed to prepare dummy password hash", map[string]interface{}{"error": err.Error()})
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_ = s.hasher.Verify(s.dummyHash, password)
	}
}
