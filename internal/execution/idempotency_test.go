package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/tradeforge/pkg/models"
)

func TestDeriveKeyStableWithinBucket(t *testing.T) {
	id := uuid.New()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("50000.123")
	qty := decimal.RequireFromString("0.05")

	k1 := DeriveKey(id, "BTCUSDT", models.OrderSideBuy, price, qty, false, at)
	k2 := DeriveKey(id, "BTCUSDT", models.OrderSideBuy, price, qty, false, at.Add(500*time.Millisecond))
	assert.Equal(t, k1, k2, "same intent in the same second must collapse")

	k3 := DeriveKey(id, "BTCUSDT", models.OrderSideBuy, price, qty, false, at.Add(time.Second))
	assert.NotEqual(t, k1, k3, "a new second bucket is a new intent")
}

func TestDeriveKeyRounding(t *testing.T) {
	id := uuid.New()
	at := time.Now()

	k1 := DeriveKey(id, "BTCUSDT", models.OrderSideBuy,
		decimal.RequireFromString("50000.001"), decimal.RequireFromString("0.0500000001"), false, at)
	k2 := DeriveKey(id, "BTCUSDT", models.OrderSideBuy,
		decimal.RequireFromString("50000.004"), decimal.RequireFromString("0.0500000002"), false, at)
	assert.Equal(t, k1, k2, "sub-cent and sub-satoshi noise must not change the key")

	k3 := DeriveKey(id, "BTCUSDT", models.OrderSideBuy,
		decimal.RequireFromString("50001"), decimal.RequireFromString("0.05"), false, at)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveKeyDiscriminates(t *testing.T) {
	at := time.Now()
	price := decimal.RequireFromString("50000")
	qty := decimal.RequireFromString("0.05")
	base := DeriveKey(uuid.Nil, "BTCUSDT", models.OrderSideBuy, price, qty, false, at)

	assert.NotEqual(t, base, DeriveKey(uuid.New(), "BTCUSDT", models.OrderSideBuy, price, qty, false, at))
	assert.NotEqual(t, base, DeriveKey(uuid.Nil, "ETHUSDT", models.OrderSideBuy, price, qty, false, at))
	assert.NotEqual(t, base, DeriveKey(uuid.Nil, "BTCUSDT", models.OrderSideSell, price, qty, false, at))
	assert.NotEqual(t, base, DeriveKey(uuid.Nil, "BTCUSDT", models.OrderSideBuy, price, qty, true, at))
}

func TestClientOrderID(t *testing.T) {
	key := DeriveKey(uuid.New(), "BTCUSDT", models.OrderSideBuy,
		decimal.RequireFromString("50000"), decimal.RequireFromString("0.05"), false, time.Now())
	token := ClientOrderID(key)
	assert.Equal(t, "tf-"+key[:24], token)
	assert.Len(t, token, 27)
}

func TestWindowSingleOwner(t *testing.T) {
	w := NewWindow(time.Minute)

	rec1, owner1 := w.Reserve("k")
	require.True(t, owner1)
	rec2, owner2 := w.Reserve("k")
	assert.False(t, owner2)
	assert.Same(t, rec1, rec2, "waiters share the owner's record")
}

func TestWindowCompletePublishes(t *testing.T) {
	w := NewWindow(time.Minute)
	rec, _ := w.Reserve("k")

	result := &models.OrderResult{OrderID: "42"}
	w.Complete("k", result, nil)

	select {
	case <-rec.done:
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, result, rec.result)
	assert.Equal(t, 1, w.Len(), "successful record stays until TTL")
}

func TestWindowFailedEntryRemoved(t *testing.T) {
	w := NewWindow(time.Minute)
	w.Reserve("k")
	w.Complete("k", nil, errors.New("boom"))

	assert.Equal(t, 0, w.Len())
	_, owner := w.Reserve("k")
	assert.True(t, owner, "a failed key must be retryable immediately")
}

func TestWindowEvictsExpiredOnly(t *testing.T) {
	w := NewWindow(10 * time.Millisecond)

	w.Reserve("done")
	w.Complete("done", &models.OrderResult{}, nil)
	w.Reserve("inflight")

	time.Sleep(25 * time.Millisecond)

	assert.Equal(t, 1, w.Len(), "in-flight reservations survive TTL expiry")
	_, owner := w.Reserve("done")
	assert.True(t, owner, "expired completed record is evicted")
}
