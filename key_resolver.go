package nucleus

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"go.pilab.hu/nucleus/cache"
)

// KeyResolver finds the public key that verifies tokens carrying kid.
type KeyResolver interface {
	ResolveKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// LocalKeyResolver verifies against the process's own keypair.
type LocalKeyResolver struct {
	keys *KeyProvider
}

func NewLocalKeyResolver(keys *KeyProvider) *LocalKeyResolver {
	return &LocalKeyResolver{keys: keys}
}

func (r *LocalKeyResolver) ResolveKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if kid != r.keys.KeyID() {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return r.keys.PublicKey(), nil
}

// RemoteKeyResolver fetches keys from a published JWKS document. The URL is
// registered lazily on first use so a server can point it at itself.
// Resolved keys are cached for the lifetime of the process.
type RemoteKeyResolver struct {
	jwksURL string
	jwks    *jwk.Cache
	keys    *cache.KeyCache

	registerMu sync.Mutex
	registered bool
}

// NewRemoteKeyResolver creates a resolver for jwksURL. A nil httpClient
// falls back to one with a 10s timeout.
func NewRemoteKeyResolver(ctx context.Context, jwksURL string, httpClient *http.Client) (*RemoteKeyResolver, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	jwksCache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &RemoteKeyResolver{
		jwksURL: jwksURL,
		jwks:    jwksCache,
		keys:    cache.NewKeyCache(),
	}, nil
}

func (r *RemoteKeyResolver) ensureRegistered(ctx context.Context) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if r.registered {
		return nil
	}

	registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// A failed registration is retried on the next call.
	if err := r.jwks.Register(registerCtx, r.jwksURL); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	r.registered = true
	return nil
}

func (r *RemoteKeyResolver) ResolveKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := r.keys.Get(kid); ok {
		return key, nil
	}

	if err := r.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	keySet, err := r.jwks.Lookup(ctx, r.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	// An empty set means the document was never fetched successfully.
	if keySet.Len() == 0 {
		return nil, fmt.Errorf("JWKS at %s is empty or unavailable", r.jwksURL)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: kid %q not in JWKS", ErrUnknownKey, kid)
	}

	var raw interface{}
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	var pub *rsa.PublicKey
	switch k := raw.(type) {
	case *rsa.PublicKey:
		pub = k
	case rsa.PublicKey:
		pub = &k
	default:
		return nil, fmt.Errorf("%w: kid %q is %T, want RSA public key", ErrUnknownKey, kid, raw)
	}

	r.keys.Set(kid, pub)
	return pub, nil
}
