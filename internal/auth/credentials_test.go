package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/queue"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func newTestQueue(t *testing.T) *queue.AsyncQueue {
	t.Helper()
	q := queue.New(nil)
	t.Cleanup(func() { <-q.EnqueueAndInitiateShutdown(nil).Done() })
	return q
}

// ==================== Token Tests ====================

func TestParseToken_UserIDClaim(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := ParseToken(signed(t, jwt.MapClaims{"user_id": "alice", "sub": "ignored", "exp": exp.Unix()}))
	require.NoError(t, err)
	assert.Equal(t, User{UID: "alice"}, tok.User)
	assert.True(t, exp.Equal(tok.ExpiresAt))
}

func TestParseToken_SubjectFallback(t *testing.T) {
	tok, err := ParseToken(signed(t, jwt.MapClaims{"sub": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "bob", tok.User.UID)
	assert.True(t, tok.ExpiresAt.IsZero())
}

func TestParseToken_Garbage(t *testing.T) {
	_, err := ParseToken("not-a-jwt")
	assert.Error(t, err)
}

func TestUser_Key(t *testing.T) {
	assert.Equal(t, "anonymous", Unauthenticated.Key())
	assert.False(t, Unauthenticated.IsAuthenticated())
	assert.Equal(t, "alice", User{UID: "alice"}.Key())
}

// ==================== Provider Tests ====================

func TestJWTCredentialsProvider_CachesUntilInvalidated(t *testing.T) {
	calls := 0
	raw := signed(t, jwt.MapClaims{"sub": "alice"})
	p := NewJWTCredentialsProvider(func(context.Context) (string, error) {
		calls++
		return raw, nil
	}, nil)

	_, err := p.GetToken(context.Background())
	require.NoError(t, err)
	_, err = p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	p.InvalidateToken()
	tok, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, raw, tok.Value)
}

func TestJWTCredentialsProvider_RefreshesExpired(t *testing.T) {
	calls := 0
	exp := time.Now().Add(time.Minute)
	p := NewJWTCredentialsProvider(func(context.Context) (string, error) {
		calls++
		return signed(t, jwt.MapClaims{"sub": "alice", "exp": exp.Unix()}), nil
	}, nil)

	_, err := p.GetToken(context.Background())
	require.NoError(t, err)

	p.now = func() time.Time { return exp.Add(-10 * time.Second) }
	_, err = p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestJWTCredentialsProvider_ReportsUserChanges(t *testing.T) {
	q := newTestQueue(t)
	uid := "alice"
	p := NewJWTCredentialsProvider(func(context.Context) (string, error) {
		return signed(t, jwt.MapClaims{"sub": uid}), nil
	}, nil)

	var users []User
	p.Start(q, func(u User) { users = append(users, u) })

	_, err := p.GetToken(context.Background())
	require.NoError(t, err)
	uid = "bob"
	p.InvalidateToken()
	_, err = p.GetToken(context.Background())
	require.NoError(t, err)
	q.Drain()

	assert.Equal(t, []User{Unauthenticated, {UID: "alice"}, {UID: "bob"}}, users)
}

func TestJWTCredentialsProvider_SourceError(t *testing.T) {
	p := NewJWTCredentialsProvider(func(context.Context) (string, error) {
		return "", errors.New("offline")
	}, nil)
	_, err := p.GetToken(context.Background())
	assert.ErrorContains(t, err, "offline")
}

func TestEmptyCredentialsProvider(t *testing.T) {
	q := newTestQueue(t)
	var got *User
	EmptyCredentialsProvider{}.Start(q, func(u User) { got = &u })
	q.Drain()
	require.NotNil(t, got)
	assert.False(t, got.IsAuthenticated())

	tok, err := EmptyCredentialsProvider{}.GetToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tok)
}

// ==================== App Check Tests ====================

func TestStaticAppCheckProvider(t *testing.T) {
	q := newTestQueue(t)
	p := NewStaticAppCheckProvider("first")
	var changes []string
	p.Start(q, func(s string) { changes = append(changes, s) })

	tok, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	p.SetToken("second")
	q.Drain()
	assert.Equal(t, []string{"second"}, changes)
}

func TestManualConnectivityMonitor(t *testing.T) {
	m := &ManualConnectivityMonitor{}
	var got []NetworkStatus
	m.AddCallback(func(s NetworkStatus) { got = append(got, s) })
	m.Set(NetworkUnavailable)
	m.Set(NetworkAvailable)
	assert.Equal(t, []NetworkStatus{NetworkUnavailable, NetworkAvailable}, got)

	m.Shutdown()
	m.Set(NetworkUnavailable)
	assert.Len(t, got, 2)
}
