// Package session holds the ephemeral mapping from auction win tokens to
// render URLs.
//
// Tokens live for the process lifetime (the "browsing session"). Resolving
// a token reads it without consuming it; each token maps to exactly one
// render URL forever.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// TokenLength is the length of a minted token in characters: 128 bits of
// cryptographic randomness as lowercase hex.
const TokenLength = 32

// Registry maps win tokens to render URLs.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewRegistry creates an empty token registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]string)}
}

// Mint creates a fresh unguessable token bound to renderURL.
func (r *Registry) Mint(renderURL string) (string, error) {
	var raw [TokenLength / 2]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("session: mint token: %w", err)
	}
	token := hex.EncodeToString(raw[:])

	r.mu.Lock()
	r.tokens[token] = renderURL
	r.mu.Unlock()
	return token, nil
}

// Resolve returns the render URL bound to token. The token is read, not
// deleted; rendering may consult it again.
func (r *Registry) Resolve(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.tokens[token]
	return url, ok
}

// Len returns the number of live tokens.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
