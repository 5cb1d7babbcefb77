package risk

import (
	"sync"
	"time"
)

// breaker tracks circuit-breaker cooldowns per account and per strategy.
// Once tripped, the scope blocks all new orders until the cooldown expires;
// expiry is time-based, never manually reset.
type breaker struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time // scope key -> cooldown end
	now       func() time.Time
}

func newBreaker(now func() time.Time) *breaker {
	return &breaker{cooldowns: make(map[string]time.Time), now: now}
}

func accountKey(account string) string            { return account }
func strategyKey(account, strategy string) string { return account + "|" + strategy }

// Trip starts (or extends) the cooldown for a scope key.
func (b *breaker) Trip(key string, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	until := b.now().Add(cooldown)
	if existing, ok := b.cooldowns[key]; !ok || until.After(existing) {
		b.cooldowns[key] = until
	}
}

// Active reports whether the scope key is still cooling down, and until
// when. Expired entries are removed on access.
func (b *breaker) Active(key string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.cooldowns[key]
	if !ok {
		return time.Time{}, false
	}
	if b.now().After(until) {
		delete(b.cooldowns, key)
		return time.Time{}, false
	}
	return until, true
}
