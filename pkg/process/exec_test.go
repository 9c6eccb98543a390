//go:build !windows

package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpawner() Spawner {
	return NewExecSpawner(logging.NewLogger("", logging.LogFuncs{}))
}

func waitExit(t *testing.T, handle Handle) ExitStatus {
	t.Helper()
	select {
	case status := <-handle.Done():
		return status
	case <-time.After(15 * time.Second):
		t.Fatal("process did not exit in time")
		return ExitStatus{}
	}
}

func TestSpawnValidation(t *testing.T) {
	spawner := testSpawner()

	_, err := spawner.Spawn(nil, SpawnRequest{Service: "svc", Command: "/bin/true"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, err = spawner.Spawn(context.Background(), SpawnRequest{Service: "svc"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestSpawnAndCleanExit(t *testing.T) {
	spawner := testSpawner()

	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "echo",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello"},
	})
	require.NoError(t, err)
	assert.Greater(t, handle.PID(), 0)

	output, err := io.ReadAll(handle.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(output))

	status := waitExit(t, handle)
	assert.Equal(t, 0, status.Code)
	assert.NoError(t, status.Err)
}

func TestSpawnReportsExitCode(t *testing.T) {
	spawner := testSpawner()

	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "failing",
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 7"},
	})
	require.NoError(t, err)

	status := waitExit(t, handle)
	assert.Equal(t, 7, status.Code)
}

func TestSpawnMissingBinary(t *testing.T) {
	spawner := testSpawner()

	_, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "ghost",
		Command: "/nonexistent/binary",
	})
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))
}

func TestSpawnMergesEnvironment(t *testing.T) {
	spawner := testSpawner()

	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service:     "env",
		Command:     "/bin/sh",
		Args:        []string{"-c", "printf '%s' \"$GREETING\""},
		Environment: []string{"GREETING=hi"},
	})
	require.NoError(t, err)

	output, err := io.ReadAll(handle.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hi", string(output))
	waitExit(t, handle)
}

func TestChattyProcessExitsWithoutReader(t *testing.T) {
	spawner := testSpawner()

	// writes far more than a pipe buffer; must exit even though no
	// logs client ever attaches
	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "chatty",
		Command: "/bin/sh",
		Args:    []string{"-c", "head -c 200000 /dev/zero; exit 0"},
	})
	require.NoError(t, err)

	select {
	case status := <-handle.Done():
		assert.Equal(t, 0, status.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("process blocked on its own output")
	}
}

func TestConcurrentLogReadersAreIndependent(t *testing.T) {
	spawner := testSpawner()

	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "echo",
		Command: "/bin/sh",
		Args:    []string{"-c", "printf 'retained line'"},
	})
	require.NoError(t, err)
	waitExit(t, handle)

	first := handle.Stdout()
	second := handle.Stdout()

	output, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, "retained line", string(output))
	require.NoError(t, first.Close())

	// a disconnected reader must not break later ones
	output, err = io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "retained line", string(output))
}

func TestTerminateStopsProcessGroup(t *testing.T) {
	spawner := testSpawner()

	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "sleeper",
		Command: "/bin/sleep",
		Args:    []string{"60"},
	})
	require.NoError(t, err)

	require.NoError(t, handle.Terminate())

	status := waitExit(t, handle)
	assert.NotEqual(t, 0, status.Code, "SIGTERM is not a clean exit")
}

func TestKill(t *testing.T) {
	spawner := testSpawner()

	handle, err := spawner.Spawn(context.Background(), SpawnRequest{
		Service: "sleeper",
		Command: "/bin/sleep",
		Args:    []string{"60"},
	})
	require.NoError(t, err)

	require.NoError(t, handle.Kill())
	waitExit(t, handle)
}
