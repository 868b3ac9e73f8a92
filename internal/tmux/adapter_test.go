package tmux

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactTarget(t *testing.T) {
	assert.Equal(t, "=my-session", exactTarget("my-session"))
}

// requireTmux skips the test when no tmux binary is available on the host
// running the suite; these exercise the real subprocess, not a fake.
func requireTmux(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux binary not available")
	}
}

func TestAdapterLifecycle(t *testing.T) {
	requireTmux(t)

	a := New("tmux")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, a.Probe(ctx))

	name := "termgate-test-lifecycle"
	_ = a.Kill(ctx, name) // clean slate

	has, err := a.Has(ctx, name)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, a.Create(ctx, name, 80, 24, "/tmp"))
	defer a.Kill(ctx, name)

	has, err = a.Has(ctx, name)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, a.Resize(ctx, name, 100, 30))

	cwd, err := a.GetCwd(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", cwd)

	names, err := a.ListAll(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, name)

	require.NoError(t, a.Kill(ctx, name))
	has, err = a.Has(ctx, name)
	require.NoError(t, err)
	assert.False(t, has)

	// Killing an already-gone session is idempotent.
	require.NoError(t, a.Kill(ctx, name))
}
