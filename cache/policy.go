package cache

import (
	"time"

	"github.com/cockroachdb/errors"
)

// keyPolicy applies the repository prefix and resolves lifetimes into the
// store's native unit.
type keyPolicy struct {
	prefix     string
	defaultTTL time.Duration
	store      Store
}

func (p keyPolicy) buildKey(key string) string {
	return p.prefix + key
}

// calculateTTL resolves the requested lifetime, falling back to the
// configured default. A result of zero means the record never expires.
func (p keyPolicy) calculateTTL(requested []time.Duration) (int64, error) {
	ttl := p.defaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if len(requested) > 0 {
		ttl = requested[0]
	}
	if ttl < 0 {
		return 0, errors.Wrapf(ErrInvalidTTL, "requested %s", ttl)
	}
	if ttl == 0 {
		return 0, nil
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return p.store.CalculateTTL(ms), nil
}
