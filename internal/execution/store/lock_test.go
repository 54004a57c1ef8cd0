package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

func TestLockRegistry_AcquireRelease(t *testing.T) {
	r := newLockRegistry(zap.NewNop())
	release, err := r.acquire("s1", time.Second)
	require.NoError(t, err)
	release()

	release2, err := r.acquire("s1", time.Second)
	require.NoError(t, err)
	release2()
}

func TestLockRegistry_TimeoutWhileHeld(t *testing.T) {
	r := newLockRegistry(zap.NewNop())
	release, err := r.acquire("s1", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = r.acquire("s1", 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
}

func TestLockRegistry_DeleteForgetsLease(t *testing.T) {
	r := newLockRegistry(zap.NewNop())
	release, err := r.acquire("s1", time.Second)
	require.NoError(t, err)
	release()
	r.delete("s1")

	// A fresh lock is handed out after deletion.
	release2, err := r.acquire("s1", time.Second)
	require.NoError(t, err)
	release2()
}
