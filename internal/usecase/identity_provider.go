package usecase

import (
	"context"
	"strings"
	"sync"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/pkg/errors"
)

type Identity struct {
	UserID  string          `json:"user_id"`
	Profile *entity.Profile `json:"profile"`
}

// IdentityProvider holds the signed-in user of one session and tells
// listeners whenever it changes.
type IdentityProvider struct {
	verifier service.TokenVerifier
	profiles repository.ProfileRepository

	mu        sync.RWMutex
	current   *Identity
	listeners map[int]func(*Identity)
	nextID    int
}

func NewIdentityProvider(verifier service.TokenVerifier, profiles repository.ProfileRepository) *IdentityProvider {
	return &IdentityProvider{
		verifier:  verifier,
		profiles:  profiles,
		listeners: make(map[int]func(*Identity)),
	}
}

// SignIn verifies a bearer token and switches the session to its user.
func (p *IdentityProvider) SignIn(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, errors.Unauthorized("Missing token", nil)
	}
	if p.verifier == nil {
		return nil, errors.Unauthorized("Token sign-in is not configured", nil)
	}
	uid, err := p.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, errors.Unauthorized("Invalid or expired token", err)
	}
	return p.SignInAs(ctx, uid), nil
}

// SignInAs switches to an already authenticated user.
func (p *IdentityProvider) SignInAs(ctx context.Context, userID string) *Identity {
	profile := entity.PlaceholderProfile(userID)
	if p.profiles != nil {
		if found, err := p.profiles.GetByID(ctx, userID); err == nil && found != nil {
			profile = found
		}
	}
	identity := &Identity{UserID: userID, Profile: profile}

	p.mu.Lock()
	same := p.current != nil && p.current.UserID == userID
	p.current = identity
	p.mu.Unlock()

	if !same {
		p.emit(identity)
	}
	return identity
}

func (p *IdentityProvider) SignOut() {
	p.mu.Lock()
	wasSignedIn := p.current != nil
	p.current = nil
	p.mu.Unlock()

	if wasSignedIn {
		p.emit(nil)
	}
}

func (p *IdentityProvider) Current() *Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

func (p *IdentityProvider) UserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return ""
	}
	return p.current.UserID
}

// OnChange registers fn for identity changes; a nil identity means signed out.
func (p *IdentityProvider) OnChange(fn func(*Identity)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *IdentityProvider) emit(identity *Identity) {
	p.mu.RLock()
	fns := make([]func(*Identity), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(identity)
	}
}
