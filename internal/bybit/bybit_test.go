package bybit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenBlock(t *testing.T) {
	b := newTokenBucket(10, 2)

	_, ok := b.take()
	assert.True(t, ok)
	_, ok = b.take()
	assert.True(t, ok)

	wait, ok := b.take()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 150*time.Millisecond)
}

func TestLimiterWaitRefills(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		PublicRPS:   100,
		PublicBurst: 1,
		MaxWait:     time.Second,
	})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, GroupPublic, ""))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, GroupPublic, ""))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestLimiterMaxWaitExceeded(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		PublicRPS:   0.1, // ten seconds per token
		PublicBurst: 1,
		MaxWait:     50 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, GroupPublic, ""))
	err := l.Wait(ctx, GroupPublic, "")
	assert.Error(t, err)
}

func TestLimiterPerSymbolIndependent(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		PublicRPS:     1000,
		PublicBurst:   1000,
		PerSymbolRPS:  0.1,
		PerSymbolBurst: 1,
		MaxWait:       50 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, GroupPublic, "BTCUSDT"))
	// BTCUSDT bucket drained, ETHUSDT still has a token
	require.NoError(t, l.Wait(ctx, GroupPublic, "ETHUSDT"))
	assert.Error(t, l.Wait(ctx, GroupPublic, "BTCUSDT"))
}

func TestLimiterPauseBlocks(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		PublicRPS:   1000,
		PublicBurst: 1000,
		MaxWait:     30 * time.Millisecond,
	})
	l.Pause(time.Now().Add(time.Second))
	assert.Error(t, l.Wait(context.Background(), GroupPublic, ""))
}

func TestSignDeterministic(t *testing.T) {
	c := NewClient(Options{APIKey: "key", APISecret: "secret", RecvWindow: 5000})

	sig1 := c.sign(1700000000000, "category=linear&symbol=BTCUSDT")
	sig2 := c.sign(1700000000000, "category=linear&symbol=BTCUSDT")
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64)

	sig3 := c.sign(1700000000001, "category=linear&symbol=BTCUSDT")
	assert.NotEqual(t, sig1, sig3)
}

func TestWSAuthSignature(t *testing.T) {
	sig := wsAuthSignature("secret", 1700000000000)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, wsAuthSignature("secret", 1700000000000))
	assert.NotEqual(t, sig, wsAuthSignature("other", 1700000000000))
}

func TestCanonicalQuerySorted(t *testing.T) {
	q := canonicalQuery(map[string]string{"symbol": "BTCUSDT", "category": "linear", "limit": "200"})
	assert.Equal(t, "category=linear&limit=200&symbol=BTCUSDT", q)
}

func TestRounding(t *testing.T) {
	assert.InDelta(t, 100.5, RoundToTick(100.49, 0.5), 1e-12)
	assert.InDelta(t, 0.003, FloorToStep(0.0039, 0.001), 1e-12)
	assert.Equal(t, "100.50", FormatPrice(100.499, 0.01))
	assert.Equal(t, "0.003", FormatQty(0.003, 0.001))
}

func TestTTLCacheStale(t *testing.T) {
	c := newTTLCache()
	c.set("k", 42, 10*time.Millisecond)

	v, fresh := c.get("k")
	assert.True(t, fresh)
	assert.Equal(t, 42, v)

	time.Sleep(20 * time.Millisecond)
	_, fresh = c.get("k")
	assert.False(t, fresh)

	v, ok := c.getStale("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestBackoffCappedWithJitter(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, wsBackoffMax+wsBackoffMax*3/10)
	}
}
