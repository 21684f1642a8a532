package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()

		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == "serve" {
				found = true
				break
			}
		}
		assert.True(t, found, "serve command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"serve", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Run the gantry daemon in the foreground")
		assert.Contains(t, helpText, "SIGINT")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "gantry.yaml")
		err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0644)
		require.NoError(t, err)

		cmd := GetRootCmd()
		cmd.SetArgs([]string{"serve", "--config", path})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})

		err = cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "port must be between")
	})
}
