package server

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	l := newRateLimiter(60, 3)
	defer l.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		assert.True(t, l.allow("10.0.0.1", now), "request %d should pass within burst", i)
	}
	assert.False(t, l.allow("10.0.0.1", now), "burst exhausted")

	// 60/min refills one token per second.
	assert.True(t, l.allow("10.0.0.1", now.Add(time.Second)))
	assert.False(t, l.allow("10.0.0.1", now.Add(time.Second)))
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	l := newRateLimiter(60, 1)
	defer l.Stop()

	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now))
}

func TestRateLimiterCapsRefillAtBurst(t *testing.T) {
	l := newRateLimiter(60, 2)
	defer l.Stop()

	now := time.Now()
	require.True(t, l.allow("10.0.0.1", now))

	// A long idle period must not bank more than the burst.
	later := now.Add(time.Hour)
	assert.True(t, l.allow("10.0.0.1", later))
	assert.True(t, l.allow("10.0.0.1", later))
	assert.False(t, l.allow("10.0.0.1", later))
}

func TestRequestSizeLimit(t *testing.T) {
	f := newFixture(t)

	big := bytes.Repeat([]byte("a"), MaxRequestSize+1)
	w := f.do(http.MethodPost, "/payments", string(big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
