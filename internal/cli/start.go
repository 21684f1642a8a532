package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gantry daemon in the background",
	Long: `Start the gantry daemon as a detached background process.
The child runs "gantry serve" with the same config; console output is
discarded, so configure logging.file to keep logs.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	serveArgs := []string{"serve"}
	if cfgFile != "" {
		serveArgs = append(serveArgs, "--config", cfgFile)
	}
	if logLevel != "" {
		serveArgs = append(serveArgs, "--log-level", logLevel)
	}

	child := exec.Command(exe, serveArgs...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// The child writes the PID file itself once it is serving; releasing
	// here avoids a zombie when this process outlives it.
	if err := child.Process.Release(); err != nil {
		return fmt.Errorf("failed to detach daemon: %w", err)
	}

	cmd.Printf("Daemon starting (PID %d)\n", child.Process.Pid)
	return nil
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/gantry.pid"
	}
	return filepath.Join(home, ".gantry", "gantry.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 probes liveness.
	return process.Signal(syscall.Signal(0)) == nil
}
