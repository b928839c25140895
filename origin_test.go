package mcbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginCyclesAddresses(t *testing.T) {
	origin, err := NewOrigin("user", "pass", "a.example.com:11210", "b.example.com:11211")
	require.NoError(t, err)

	assert.Equal(t, "user", origin.Username())
	assert.Equal(t, "pass", origin.Password())
	assert.False(t, origin.Exhausted())

	host, service, ok := origin.NextAddress()
	require.True(t, ok)
	assert.Equal(t, "a.example.com", host)
	assert.Equal(t, "11210", service)

	host, service, ok = origin.NextAddress()
	require.True(t, ok)
	assert.Equal(t, "b.example.com", host)
	assert.Equal(t, "11211", service)

	assert.True(t, origin.Exhausted())
	_, _, ok = origin.NextAddress()
	assert.False(t, ok)

	origin.Restart()
	assert.False(t, origin.Exhausted())
	host, _, ok = origin.NextAddress()
	require.True(t, ok)
	assert.Equal(t, "a.example.com", host)
}

func TestNewOriginRejectsBadInput(t *testing.T) {
	_, err := NewOrigin("user", "pass")
	assert.Error(t, err)

	_, err = NewOrigin("user", "pass", "missing-port")
	assert.Error(t, err)
}
