package llm

import (
	"context"
	"sync"
)

// Transport is one way of reaching the model. Both methods return the raw
// reply text, which is expected to follow the {response, thinking} contract.
type Transport interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
	// Stream calls onText with raw text deltas in generation order and
	// returns the full raw reply.
	Stream(ctx context.Context, req Request, onText func(string)) (string, error)
}

// Credentials exposes the user-supplied vendor key.
type Credentials interface {
	UserAPIKey() (key string, validated bool)
}

// KeyRing holds the user-supplied vendor key for the lifetime of a session.
type KeyRing struct {
	mu        sync.RWMutex
	key       string
	validated bool
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{}
}

// Set stores key and whether it passed validation.
func (k *KeyRing) Set(key string, validated bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = key
	k.validated = validated && key != ""
}

// Clear forgets the key.
func (k *KeyRing) Clear() {
	k.Set("", false)
}

// UserAPIKey implements Credentials.
func (k *KeyRing) UserAPIKey() (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key, k.validated
}
