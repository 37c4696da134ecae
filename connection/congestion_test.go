package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCongestionAdditiveIncrease(t *testing.T) {
	c := newCongestion()
	start := c.ceiling()
	c.onFulfillSuccess()
	require.Equal(t, start+c.increase, c.ceiling())
}

func TestCongestionMultiplicativeDecreaseFloorsAtOne(t *testing.T) {
	c := newCongestion()
	c.amount = 3
	c.onAmountTooLarge()
	require.Equal(t, uint64(1), c.ceiling())
	c.onAmountTooLarge()
	require.Equal(t, uint64(1), c.ceiling())
}

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	p := defaultRetryPolicy()
	d0 := p.delayFor(0)
	d1 := p.delayFor(1)
	require.Equal(t, p.baseDelay, d0)
	require.Equal(t, p.baseDelay*2, d1)
	require.LessOrEqual(t, p.delayFor(100), p.maxDelay)
}

func TestRetryPolicyBudget(t *testing.T) {
	p := defaultRetryPolicy()
	require.True(t, p.shouldRetry(0))
	require.False(t, p.shouldRetry(p.maxRetries))
}
