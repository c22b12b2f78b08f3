package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDaemonCommand_StartupAndShutdownPasses(t *testing.T) {
	env := newCLIEnv(t)
	env.write(t, "a.md", "alpha")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	root := newTestRoot(newDaemonCmd())
	root.SetArgs(append([]string{"daemon"}, env.args...))

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return env.srv.Exists("/davsync/a.md")
	}, 10*time.Second, 50*time.Millisecond, "startup pass should upload a.md")

	env.write(t, "b.md", "beta")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "daemon did not stop")
	}

	data, err := env.srv.ReadFile("/davsync/b.md")
	require.NoError(t, err, "shutdown pass should upload b.md")
	assert.Equal(t, "beta", string(data))
}
