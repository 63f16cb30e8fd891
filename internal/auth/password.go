package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	nucleus "go.pilab.hu/nucleus"
)

// ErrPasswordMismatch is returned by Verify when the password is wrong.
var ErrPasswordMismatch = errors.New("password does not match")

// ErrUnsupportedHash is returned for hashes no known hasher produced.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

const argon2idPrefix = "$argon2id$"

// Argon2Params are the argon2id cost settings. Memory is in KiB.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultArgon2Params matches the argon2-cffi defaults so existing hashes
// keep verifying at the same cost.
var DefaultArgon2Params = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

// Argon2idPasswordHasher encodes hashes in the PHC string format:
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>.
type Argon2idPasswordHasher struct {
	Params Argon2Params
}

func NewArgon2idPasswordHasher() *Argon2idPasswordHasher {
	return &Argon2idPasswordHasher{Params: DefaultArgon2Params}
}

func (h *Argon2idPasswordHasher) Hash(password string) (string, error) {
	p := h.Params
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix, argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the key with the parameters embedded in the hash.
func (h *Argon2idPasswordHasher) Verify(hashedPassword, password string) error {
	p, salt, key, err := decodeArgon2id(hashedPassword)
	if err != nil {
		return err
	}

	other := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
	if subtle.ConstantTimeCompare(key, other) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}

func decodeArgon2id(encoded string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	// "", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrUnsupportedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("malformed argon2id version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("malformed argon2id parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("malformed argon2id salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("malformed argon2id hash: %w", err)
	}
	if len(key) == 0 {
		return p, nil, nil, ErrUnsupportedHash
	}

	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// BcryptPasswordHasher implements nucleus.PasswordHasher using bcrypt.
type BcryptPasswordHasher struct {
	Cost int
}

// NewBcryptPasswordHasher creates a new BcryptPasswordHasher.
// Default cost is bcrypt.DefaultCost if cost <= 0.
func NewBcryptPasswordHasher(cost int) *BcryptPasswordHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPasswordHasher{Cost: cost}
}

func (h *BcryptPasswordHasher) Hash(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	return string(hashedBytes), nil
}

func (h *BcryptPasswordHasher) Verify(hashedPassword, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}

// MultiPasswordHasher hashes with argon2id and verifies both argon2id and
// bcrypt hashes, so accounts imported with bcrypt keep working.
type MultiPasswordHasher struct {
	argon  *Argon2idPasswordHasher
	bcrypt *BcryptPasswordHasher
}

func NewPasswordHasher() *MultiPasswordHasher {
	return &MultiPasswordHasher{
		argon:  NewArgon2idPasswordHasher(),
		bcrypt: NewBcryptPasswordHasher(0),
	}
}

func (h *MultiPasswordHasher) Hash(password string) (string, error) {
	return h.argon.Hash(password)
}

func (h *MultiPasswordHasher) Verify(hashedPassword, password string) error {
	switch {
	case strings.HasPrefix(hashedPassword, argon2idPrefix):
		return h.argon.Verify(hashedPassword, password)
	case strings.HasPrefix(hashedPassword, "$2a$"),
		strings.HasPrefix(hashedPassword, "$2b$"),
		strings.HasPrefix(hashedPassword, "$2y$"):
		return h.bcrypt.Verify(hashedPassword, password)
	default:
		return ErrUnsupportedHash
	}
}

var (
	_ nucleus.PasswordHasher = (*Argon2idPasswordHasher)(nil)
	_ nucleus.PasswordHasher = (*BcryptPasswordHasher)(nil)
	_ nucleus.PasswordHasher = (*MultiPasswordHasher)(nil)
)
