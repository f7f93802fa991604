package auth

import (
	"context"
	"sync"

	"github.com/kilupskalvis/docsync/internal/queue"
)

// AppCheckTokenProvider supplies the attestation token sent alongside the
// access token.
type AppCheckTokenProvider interface {
	Start(q *queue.AsyncQueue, onTokenChange func(string))
	GetToken(ctx context.Context) (string, error)
	InvalidateToken()
	Shutdown()
}

// EmptyAppCheckProvider sends no attestation.
type EmptyAppCheckProvider struct{}

func (EmptyAppCheckProvider) Start(*queue.AsyncQueue, func(string))     {}
func (EmptyAppCheckProvider) GetToken(context.Context) (string, error) { return "", nil }
func (EmptyAppCheckProvider) InvalidateToken()                         {}
func (EmptyAppCheckProvider) Shutdown()                                {}

// StaticAppCheckProvider hands out a fixed token, as used against the
// emulator. SetToken swaps it and notifies the listener.
type StaticAppCheckProvider struct {
	mu       sync.Mutex
	token    string
	queue    *queue.AsyncQueue
	onChange func(string)
}

func NewStaticAppCheckProvider(token string) *StaticAppCheckProvider {
	return &StaticAppCheckProvider{token: token}
}

func (p *StaticAppCheckProvider) Start(q *queue.AsyncQueue, onTokenChange func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = q
	p.onChange = onTokenChange
}

func (p *StaticAppCheckProvider) GetToken(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func (p *StaticAppCheckProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	q, cb := p.queue, p.onChange
	p.mu.Unlock()
	if cb != nil {
		q.EnqueueAndForget(func() { cb(token) })
	}
}

func (p *StaticAppCheckProvider) InvalidateToken() {}

func (p *StaticAppCheckProvider) Shutdown() {
	p.mu.Lock()
	p.onChange = nil
	p.mu.Unlock()
}
