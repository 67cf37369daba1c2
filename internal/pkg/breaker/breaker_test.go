package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 5, OpenTimeout: time.Minute})

	// Four failures: still closed.
	for i := 0; i < 4; i++ {
		err := reg.Do("graph", func() error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, "closed", reg.States()["graph"])

	// Fifth consecutive failure trips it.
	err := reg.Do("graph", func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "open", reg.States()["graph"])

	// Open breaker fails fast without invoking fn.
	called := false
	err = reg.Do("graph", func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 3, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = reg.Do("llm", func() error { return errBoom })
	}
	require.NoError(t, reg.Do("llm", func() error { return nil }))

	// Two more failures after the success: threshold needs consecutive runs.
	for i := 0; i < 2; i++ {
		_ = reg.Do("llm", func() error { return errBoom })
	}
	assert.Equal(t, "closed", reg.States()["llm"])
}

func TestHalfOpenSingleProbe(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 2, OpenTimeout: 30 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = reg.Do("chat", func() error { return errBoom })
	}
	assert.Equal(t, "open", reg.States()["chat"])

	time.Sleep(50 * time.Millisecond)

	// First call after the open window is the probe; success closes.
	require.NoError(t, reg.Do("chat", func() error { return nil }))
	assert.Equal(t, "closed", reg.States()["chat"])
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 2, OpenTimeout: 30 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = reg.Do("blob", func() error { return errBoom })
	}
	time.Sleep(50 * time.Millisecond)

	err := reg.Do("blob", func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "open", reg.States()["blob"])
}

func TestBreakersAreIndependent(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = reg.Do("llm", func() error { return errBoom })
	}
	assert.Equal(t, "open", reg.States()["llm"])

	// Sibling dependencies stay closed.
	require.NoError(t, reg.Do("graph", func() error { return nil }))
	require.NoError(t, reg.Do("chat", func() error { return nil }))
	assert.Equal(t, "closed", reg.States()["graph"])
	assert.Equal(t, "closed", reg.States()["chat"])
}

func TestIsOpenOnlyForBreakerErrors(t *testing.T) {
	assert.False(t, IsOpen(errBoom))
	assert.False(t, IsOpen(nil))
}
