// Package didkey provides the DID resolver external collaborator:
// verkey_of(did) -> verkey, assumed stable for the duration of a
// protocol run.
package didkey

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// Resolver looks up the current Ed25519 verkey bound to a DID.
type Resolver interface {
	VerkeyOf(did string) (ed25519.PublicKey, error)
}

// StaticTable is an in-memory Resolver backed by a fixed DID -> verkey map,
// suitable for a closed participant set whose membership does not change
// for the life of a run (dynamic membership is out of scope).
type StaticTable struct {
	mu      sync.RWMutex
	verkeys map[string]ed25519.PublicKey
}

// NewStaticTable builds a resolver from an initial DID -> verkey map. The
// map is copied; later mutation of the caller's map has no effect.
func NewStaticTable(initial map[string]ed25519.PublicKey) *StaticTable {
	t := &StaticTable{verkeys: make(map[string]ed25519.PublicKey, len(initial))}
	for did, vk := range initial {
		t.verkeys[did] = vk
	}
	return t
}

func (t *StaticTable) VerkeyOf(did string) (ed25519.PublicKey, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vk, ok := t.verkeys[did]
	if !ok {
		return nil, fmt.Errorf("didkey: no verkey bound to %q", did)
	}
	return vk, nil
}

// Bind installs or replaces the verkey bound to did. Exposed for test
// fixtures and operator tooling; the protocol itself only ever reads.
func (t *StaticTable) Bind(did string, verkey ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verkeys[did] = verkey
}
