package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// DeriveKey fingerprints an order intent: strategy, symbol, side, rounded
// price and quantity, reduce-only flag and a one-second time bucket. Two
// evaluations of the same intent inside one bucket collapse to one key;
// materially different intents never collide.
func DeriveKey(strategyID uuid.UUID, symbol string, side models.OrderSide, price, qty decimal.Decimal, reduceOnly bool, at time.Time) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%t|%d",
		strategyID, symbol, side,
		price.Round(2), qty.Round(6),
		reduceOnly, at.Unix())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ClientOrderID derives the client-assigned order token from a dedup key.
// Deterministic, so a restarted process regenerates the same token for the
// same intent bucket and the durable lookup can find the earlier order.
func ClientOrderID(key string) string {
	return "tf-" + key[:24]
}

// record tracks one in-flight or completed submission for a dedup key.
// Waiters block on done and then read result/err.
type record struct {
	done      chan struct{}
	result    *models.OrderResult
	err       error
	createdAt time.Time
}

// Window is the in-memory idempotency layer: a TTL-bounded map from dedup
// key to submission record. Reserve gives exactly one caller ownership of
// a key; everyone else waits for the owner's outcome.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*record
}

// NewWindow creates a window with the given record TTL.
func NewWindow(ttl time.Duration) *Window {
	return &Window{ttl: ttl, entries: make(map[string]*record)}
}

// Reserve returns the record for key and whether the caller owns it. The
// owner must call Complete or Release; non-owners wait on record.done.
// Expired entries are evicted on access.
func (w *Window) Reserve(key string) (*record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked()

	if rec, ok := w.entries[key]; ok {
		return rec, false
	}
	rec := &record{done: make(chan struct{}), createdAt: time.Now()}
	w.entries[key] = rec
	return rec, true
}

// Complete publishes the submission outcome to all waiters. A successful
// record stays until TTL expiry; a failed one is removed immediately so a
// later attempt can retry.
func (w *Window) Complete(key string, result *models.OrderResult, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.entries[key]
	if !ok {
		return
	}
	rec.result = result
	rec.err = err
	close(rec.done)
	if err != nil {
		delete(w.entries, key)
	}
}

// Len reports the live entry count, for tests and introspection.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked()
	return len(w.entries)
}

func (w *Window) evictLocked() {
	cutoff := time.Now().Add(-w.ttl)
	for key, rec := range w.entries {
		if rec.createdAt.Before(cutoff) {
			select {
			case <-rec.done:
				delete(w.entries, key)
			default:
				// Still in flight; never evict an open reservation.
			}
		}
	}
}
