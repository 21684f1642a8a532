package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		startCmd := cmd.Commands()

		found := false
		for _, c := range startCmd {
			if c.Name() == "start" {
				found = true
				break
			}
		}
		assert.True(t, found, "start command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"start", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Start the gantry daemon in the background")
	})

	t.Run("daemon not running", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "test.pid")

		running := isRunning(pidFile)
		assert.False(t, running)
	})
}

func TestGetPIDFilePath(t *testing.T) {
	path := getPIDFilePath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "gantry.pid")
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "nonexistent.pid")

		running := isRunning(pidFile)
		assert.False(t, running)
	})

	t.Run("invalid pid file", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "invalid.pid")

		err := os.WriteFile(pidFile, []byte("invalid"), 0644)
		require.NoError(t, err)

		running := isRunning(pidFile)
		assert.False(t, running)
	})

	t.Run("live process", func(t *testing.T) {
		// The test process itself is alive, so its own PID reports running.
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "live.pid")

		err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
		require.NoError(t, err)

		running := isRunning(pidFile)
		assert.True(t, running)
	})
}

func TestPIDFileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	pidFile := filepath.Join(tmpDir, "nested", "gantry.pid")

	err := writePIDFile(pidFile)
	require.NoError(t, err)

	pid, err := readPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPIDFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		tmpDir := t.TempDir()

		_, err := readPIDFile(filepath.Join(tmpDir, "absent.pid"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read PID file")
	})

	t.Run("garbage contents", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "garbage.pid")

		err := os.WriteFile(pidFile, []byte("not-a-pid"), 0644)
		require.NoError(t, err)

		_, err = readPIDFile(pidFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid PID file")
	})

	t.Run("trailing whitespace", func(t *testing.T) {
		tmpDir := t.TempDir()
		pidFile := filepath.Join(tmpDir, "padded.pid")

		err := os.WriteFile(pidFile, []byte("12345\n"), 0644)
		require.NoError(t, err)

		pid, err := readPIDFile(pidFile)
		require.NoError(t, err)
		assert.Equal(t, 12345, pid)
	})
}
