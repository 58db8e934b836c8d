// Package auth exposes the authorization collaborator at its interface
// boundary: a connected/disconnected flag plus an opaque bearer credential.
// The OAuth exchange that mints tokens lives outside this package.
package auth

import (
	"sync"

	"golang.org/x/oauth2"
)

// Context is the read-only authorization snapshot handed to tool handlers
// and the session dialer. It never carries refresh machinery.
type Context struct {
	Connected  bool
	Credential string
}

// Source yields authorization snapshots.
type Source interface {
	Snapshot() Context
}

// Provider adapts an oauth2 token source into a Source. A provider with a
// nil token source reports disconnected.
type Provider struct {
	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// NewProvider wraps an oauth2 token source.
func NewProvider(tokens oauth2.TokenSource) *Provider {
	return &Provider{tokens: tokens}
}

// NewStaticProvider builds a provider around a fixed credential. An empty
// credential reports disconnected.
func NewStaticProvider(credential string) *Provider {
	if credential == "" {
		return &Provider{}
	}
	return &Provider{tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential})}
}

// Snapshot returns the current authorization state. Token failures
// degrade to a disconnected snapshot rather than an error: handlers only
// ever see the boolean plus the credential.
func (p *Provider) Snapshot() Context {
	if p == nil {
		return Context{}
	}
	p.mu.Lock()
	tokens := p.tokens
	p.mu.Unlock()
	if tokens == nil {
		return Context{}
	}
	tok, err := tokens.Token()
	if err != nil || tok == nil || !tok.Valid() {
		return Context{}
	}
	return Context{Connected: true, Credential: tok.AccessToken}
}

// SetTokenSource swaps the underlying token source, e.g. after the user
// completes a fresh authorization flow.
func (p *Provider) SetTokenSource(tokens oauth2.TokenSource) {
	p.mu.Lock()
	p.tokens = tokens
	p.mu.Unlock()
}
