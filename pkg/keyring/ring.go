package keyring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"teamtrust/pkg/types"
)

const DefaultCacheSize = 256

// Ring holds the keys a device owns outright plus a bounded cache of
// keysets recovered from lockboxes
type Ring struct {
	mu    sync.RWMutex
	local []Keyset

	// Opened lockboxes keyed by lockbox content hash
	cache *lru.Cache[types.Hash, Keyset]

	hits   atomic.Uint64
	misses atomic.Uint64

	logger *zap.Logger
}

// NewRing creates a ring seeded with locally held keysets
func NewRing(size int, logger *zap.Logger, local ...Keyset) (*Ring, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[types.Hash, Keyset](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockbox cache: %w", err)
	}
	r := &Ring{cache: cache, logger: logger}
	for _, k := range local {
		r.AddLocal(k)
	}
	return r, nil
}

// AddLocal adds a keyset whose secrets this device holds directly
func (r *Ring) AddLocal(k Keyset) {
	if !k.HasSecrets() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.local {
		if existing.Matches(k.Public()) {
			return
		}
	}
	r.local = append(r.local, k)
}

func (r *Ring) Local() []Keyset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Keyset(nil), r.local...)
}

// Open opens a lockbox, serving repeated requests from the cache
func (r *Ring) Open(lb Lockbox, keys Keyset) (Keyset, error) {
	if k, ok := r.cache.Get(lb.ID); ok {
		r.hits.Add(1)
		return k, nil
	}
	r.misses.Add(1)

	k, err := Open(lb, keys)
	if err != nil {
		return Keyset{}, err
	}
	r.cache.Add(lb.ID, k)
	return k, nil
}

// Unlock returns every keyset reachable from the local keys through the
// given lockboxes. Lockboxes addressed elsewhere are skipped.
func (r *Ring) Unlock(lockboxes []Lockbox) []Keyset {
	held := r.Local()
	byKey := make(map[string]Keyset, len(held))
	for _, k := range held {
		byKey[string(k.Encryption.PublicKey)] = k
	}

	tried := make(map[types.Hash]struct{}, len(lockboxes))
	for changed := true; changed; {
		changed = false
		for _, lb := range lockboxes {
			if _, done := tried[lb.ID]; done {
				continue
			}
			keys, ok := byKey[string(lb.Recipient.Encryption)]
			if !ok {
				continue
			}
			tried[lb.ID] = struct{}{}

			opened, err := r.Open(lb, keys)
			if err != nil {
				if !errors.Is(err, ErrKeyMismatch) {
					r.logger.Warn("Failed to open lockbox",
						zap.String("lockbox", string(lb.ID)),
						zap.Error(err))
				}
				continue
			}
			if _, dup := byKey[string(opened.Encryption.PublicKey)]; !dup {
				byKey[string(opened.Encryption.PublicKey)] = opened
				held = append(held, opened)
				changed = true
			}
		}
	}
	return held
}

// Find returns the secret keyset matching pub, if it can be unlocked
func (r *Ring) Find(lockboxes []Lockbox, pub PublicKeyset) (Keyset, error) {
	for _, k := range r.Unlock(lockboxes) {
		if k.Matches(pub) && k.Generation == pub.Generation {
			return k, nil
		}
	}
	return Keyset{}, fmt.Errorf("%w: %s generation %d", ErrNoKeys, pub.Scope(), pub.Generation)
}

// Prune evicts cached keysets of scope older than generation. It is called
// after a rotation supersedes them.
func (r *Ring) Prune(scope types.KeyScope, generation int) int {
	evicted := 0
	for _, id := range r.cache.Keys() {
		k, ok := r.cache.Peek(id)
		if !ok {
			continue
		}
		if k.Scope() == scope && k.Generation < generation {
			r.cache.Remove(id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("Pruned superseded keys from lockbox cache",
			zap.String("scope", scope.String()),
			zap.Int("generation", generation),
			zap.Int("evicted", evicted))
	}
	return evicted
}

// Stats returns cache hits and misses since creation
func (r *Ring) Stats() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}

func (r *Ring) CacheLen() int {
	return r.cache.Len()
}
