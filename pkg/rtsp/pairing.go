package rtsp

import (
	"crypto/ed25519"
	"sync"
)

// pairingRegistry is the in-process device_id -> public_key map manipulated
// by /pair-add, /pair-list, /pair-remove (§4.7). Persistence across process
// restarts is explicitly out of scope.
type pairingRegistry struct {
	mu      sync.RWMutex
	entries map[string]ed25519.PublicKey
}

func newPairingRegistry() *pairingRegistry {
	return &pairingRegistry{entries: make(map[string]ed25519.PublicKey)}
}

// NewPairingRegistry creates the shared pairing registry the RTSP listener
// passes into every accepted connection's Deps.Pairings. One instance is
// shared across all sessions for the life of the process.
func NewPairingRegistry() *pairingRegistry { return newPairingRegistry() }

func (r *pairingRegistry) add(deviceID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[deviceID] = pub
}

func (r *pairingRegistry) remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, deviceID)
}

func (r *pairingRegistry) lookup(deviceID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.entries[deviceID]
	return pub, ok
}

func (r *pairingRegistry) list() map[string]ed25519.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ed25519.PublicKey, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}
