// Package auth provides the identities and tokens attached to remote calls.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kilupskalvis/docsync/internal/queue"
)

// User identifies the signed-in principal. The zero value is the
// unauthenticated user.
type User struct {
	UID string
}

// Unauthenticated is the user of requests without credentials.
var Unauthenticated = User{}

func (u User) IsAuthenticated() bool { return u.UID != "" }

// Key returns the name used to partition per-user local state.
func (u User) Key() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}

func (u User) String() string { return u.Key() }

// Token is an access token together with the user it was issued for.
type Token struct {
	Value     string
	User      User
	ExpiresAt time.Time
}

// CredentialsProvider supplies access tokens and reports user changes.
// The change listener is always invoked on the async queue.
type CredentialsProvider interface {
	Start(q *queue.AsyncQueue, onUserChange func(User))
	// GetToken returns the current token, or nil when calls go out
	// unauthenticated.
	GetToken(ctx context.Context) (*Token, error)
	// InvalidateToken forces the next GetToken to fetch a fresh token.
	InvalidateToken()
	Shutdown()
}

// EmptyCredentialsProvider never authenticates.
type EmptyCredentialsProvider struct{}

func (EmptyCredentialsProvider) Start(q *queue.AsyncQueue, onUserChange func(User)) {
	q.EnqueueAndForget(func() { onUserChange(Unauthenticated) })
}

func (EmptyCredentialsProvider) GetToken(context.Context) (*Token, error) { return nil, nil }
func (EmptyCredentialsProvider) InvalidateToken()                         {}
func (EmptyCredentialsProvider) Shutdown()                                {}

// TokenSource returns a raw signed JWT.
type TokenSource func(ctx context.Context) (string, error)

// expirySlack refreshes tokens slightly before they expire.
const expirySlack = 30 * time.Second

// JWTCredentialsProvider reads the user from the claims of tokens handed
// out by a TokenSource. Signatures are verified by the server only.
type JWTCredentialsProvider struct {
	source TokenSource
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	current      *Token
	user         User
	forceRefresh bool
	queue        *queue.AsyncQueue
	onUserChange func(User)
}

// NewJWTCredentialsProvider returns a provider over source.
func NewJWTCredentialsProvider(source TokenSource, logger *slog.Logger) *JWTCredentialsProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTCredentialsProvider{source: source, logger: logger, now: time.Now}
}

// Start reports the current user and begins reporting changes.
func (p *JWTCredentialsProvider) Start(q *queue.AsyncQueue, onUserChange func(User)) {
	p.mu.Lock()
	p.queue = q
	p.onUserChange = onUserChange
	user := p.user
	p.mu.Unlock()
	q.EnqueueAndForget(func() { onUserChange(user) })
}

// GetToken returns a cached token while it is valid and fetches a new one
// otherwise.
func (p *JWTCredentialsProvider) GetToken(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	if tok := p.current; tok != nil && !p.forceRefresh && !p.expired(tok) {
		p.mu.Unlock()
		copied := *tok
		return &copied, nil
	}
	p.mu.Unlock()

	raw, err := p.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	tok, err := ParseToken(raw)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = tok
	p.forceRefresh = false
	changed := tok.User != p.user
	p.user = tok.User
	q, cb := p.queue, p.onUserChange
	p.mu.Unlock()

	if changed && cb != nil {
		p.logger.Debug("credential user changed", "user", tok.User.Key())
		user := tok.User
		q.EnqueueAndForget(func() { cb(user) })
	}
	copied := *tok
	return &copied, nil
}

func (p *JWTCredentialsProvider) expired(tok *Token) bool {
	if tok.ExpiresAt.IsZero() {
		return false
	}
	return !p.now().Add(expirySlack).Before(tok.ExpiresAt)
}

func (p *JWTCredentialsProvider) InvalidateToken() {
	p.mu.Lock()
	p.forceRefresh = true
	p.mu.Unlock()
}

func (p *JWTCredentialsProvider) Shutdown() {
	p.mu.Lock()
	p.onUserChange = nil
	p.mu.Unlock()
}

// ParseToken extracts the user and expiry of a JWT without verifying it.
func ParseToken(raw string) (*Token, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims := token.Claims.(jwt.MapClaims)

	tok := &Token{Value: raw}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		tok.User = User{UID: uid}
	} else if sub, err := claims.GetSubject(); err == nil {
		tok.User = User{UID: sub}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresAt = exp.Time
	}
	return tok, nil
}
