package tools

import (
	"errors"
	"sync"
)

// ErrPoolExhausted means too many clients are in flight for one
// (provider, organization) pair.
var ErrPoolExhausted = errors.New("tools: client pool exhausted")

type poolKey struct {
	provider string
	orgID    string
}

// ClientPool bounds concurrently-acquired clients per (provider, org).
// Pooling is advisory: clients are cheap, the pool only caps fan-out.
type ClientPool struct {
	size int
	mu   sync.Mutex
	refs map[poolKey]int
}

func NewClientPool(size int) *ClientPool {
	if size <= 0 {
		size = 8
	}
	return &ClientPool{
		size: size,
		refs: make(map[poolKey]int),
	}
}

// Acquire reserves a client slot; callers must Release it.
func (p *ClientPool) Acquire(provider, orgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey{provider, orgID}
	if p.refs[key] >= p.size {
		return ErrPoolExhausted
	}
	p.refs[key]++
	return nil
}

func (p *ClientPool) Release(provider, orgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey{provider, orgID}
	if p.refs[key] <= 1 {
		delete(p.refs, key)
		return
	}
	p.refs[key]--
}

// InUse reports outstanding acquisitions for one pair.
func (p *ClientPool) InUse(provider, orgID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[poolKey{provider, orgID}]
}
