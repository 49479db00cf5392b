package auth

import (
	"context"
	"crypto/rand"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
)

// MinPasswordLength matches the Supabase default.
const MinPasswordLength = 6

// DefaultTokenTTL is the lifetime of access tokens minted by MemoryBackend.
const DefaultTokenTTL = time.Hour

const memoryIssuer = "memory-auth"

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type account struct {
	identity user.Identity
	hash     []byte
}

// MemoryBackend is an in-process identity provider for local development and
// tests. Accounts disappear with the process.
type MemoryBackend struct {
	mu       sync.RWMutex
	accounts map[string]account  // by lower-cased email
	live     map[string]struct{} // token ids not yet signed out
	cost     int
	key      []byte
	ttl      time.Duration
	now      func() time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithHashCost sets the bcrypt cost used for new passwords.
func WithHashCost(cost int) MemoryOption {
	return func(b *MemoryBackend) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			b.cost = cost
		}
	}
}

// WithSigningKey sets the HMAC key for access tokens. A random key is
// generated otherwise, so tokens do not survive a restart.
func WithSigningKey(key []byte) MemoryOption {
	return func(b *MemoryBackend) {
		if len(key) > 0 {
			b.key = key
		}
	}
}

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(ttl time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		accounts: make(map[string]account),
		live:     make(map[string]struct{}),
		cost:     bcrypt.DefaultCost,
		ttl:      DefaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.key == nil {
		b.key = make([]byte, 32)
		if _, err := rand.Read(b.key); err != nil {
			panic(errors.Wrap(err, "generate token signing key"))
		}
	}
	return b
}

// SignUp creates an account and signs it in.
func (b *MemoryBackend) SignUp(_ context.Context, creds Credentials) (*Grant, error) {
	email := normalizeEmail(creds.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, rejected("Unable to validate email address: invalid format")
	}
	if len(creds.Password) < MinPasswordLength {
		return nil, rejected("Password should be at least 6 characters.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), b.cost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[email]; exists {
		return nil, rejected("User already registered")
	}

	acc := account{
		identity: user.Identity{ID: uuid.NewString(), Email: email},
		hash:     hash,
	}
	b.accounts[email] = acc
	return b.issue(acc)
}

// SignInWithPassword checks the password and opens a session.
func (b *MemoryBackend) SignInWithPassword(_ context.Context, creds Credentials) (*Grant, error) {
	email := normalizeEmail(creds.Email)

	b.mu.RLock()
	acc, ok := b.accounts[email]
	b.mu.RUnlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(creds.Password)) != nil {
		return nil, rejected("Invalid login credentials")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issue(acc)
}

// SignOut revokes the token. Unknown or malformed tokens are ignored.
func (b *MemoryBackend) SignOut(_ context.Context, accessToken string) error {
	claims, err := b.parse(accessToken, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil
	}
	b.mu.Lock()
	delete(b.live, claims.ID)
	b.mu.Unlock()
	return nil
}

// GetUser resolves a token.
func (b *MemoryBackend) GetUser(_ context.Context, accessToken string) (user.Identity, error) {
	claims, err := b.parse(accessToken)
	if err != nil {
		return user.Identity{}, rejected("invalid JWT: " + err.Error())
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.live[claims.ID]; !ok {
		return user.Identity{}, rejected("invalid JWT: token has been revoked")
	}
	acc, ok := b.accounts[claims.Email]
	if !ok || acc.identity.ID != claims.Subject {
		return user.Identity{}, rejected("User not found")
	}
	return acc.identity, nil
}

// issue must be called with b.mu held.
func (b *MemoryBackend) issue(acc account) (*Grant, error) {
	now := b.now()
	expires := now.Add(b.ttl)
	claims := tokenClaims{
		Email: acc.identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   acc.identity.ID,
			Issuer:    memoryIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign access token")
	}
	b.live[claims.ID] = struct{}{}
	return &Grant{User: acc.identity, AccessToken: token, ExpiresAt: expires}, nil
}

func (b *MemoryBackend) parse(accessToken string, opts ...jwt.ParserOption) (*tokenClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(memoryIssuer),
		jwt.WithTimeFunc(b.now),
	)
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(accessToken, &claims, func(*jwt.Token) (interface{}, error) {
		return b.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
