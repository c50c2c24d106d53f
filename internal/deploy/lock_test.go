package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManagerReleaseFreesAppForOthers(t *testing.T) {
	lm := NewLockManager()

	_, err := lm.Acquire("dep-1", []string{"/a", "/b"}, false)
	require.NoError(t, err)

	lm.Release("dep-1", []string{"/a"})

	_, err = lm.Acquire("dep-2", []string{"/a"}, false)
	assert.NoError(t, err)

	_, err = lm.Acquire("dep-2", []string{"/b"}, false)
	assert.Error(t, err)
}

func TestLockManagerCancelInvokesRegisteredFunc(t *testing.T) {
	lm := NewLockManager()
	_, cancel := context.WithCancel(context.Background())

	canceled := false
	lm.RegisterCancel("dep-1", func() { canceled = true; cancel() })

	assert.True(t, lm.Cancel("dep-1"))
	assert.True(t, canceled)

	lm.UnregisterCancel("dep-1")
	assert.False(t, lm.Cancel("dep-1"))
}

func TestLockManagerForceAcquireCollectsUniqueSupersededHolders(t *testing.T) {
	lm := NewLockManager()
	_, err := lm.Acquire("dep-1", []string{"/a", "/b"}, false)
	require.NoError(t, err)

	superseded, err := lm.Acquire("dep-2", []string{"/a", "/b", "/c"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"dep-1"}, superseded)
}
