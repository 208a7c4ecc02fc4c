package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper-darkly/beadboard/config"
)

// The start/stop/restart commands supervise a background daemon process
// through a PID file in the runtime directory.  They are idempotent:
// starting a running daemon and stopping a stopped one both succeed.

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if pid, running := daemonPID(cfg); running {
				fmt.Printf("already running (pid %d)\n", pid)
				return nil
			}
			return startDaemon(cfg)
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon(config.Load())
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := stopDaemon(cfg); err != nil {
				return err
			}
			return startDaemon(cfg)
		},
	}
}

func startDaemon(cfg config.Config) error {
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logPath := cfg.RuntimeDir + "/beadboard.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(self, "run")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	pid := child.Process.Pid
	if err := os.WriteFile(cfg.PIDFile(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("write pid file: %w", err)
	}
	// The child outlives us; Release detaches it from our process table.
	_ = child.Process.Release()

	fmt.Printf("started (pid %d, log %s)\n", pid, logPath)
	return nil
}

func stopDaemon(cfg config.Config) error {
	pid, running := daemonPID(cfg)
	if !running {
		fmt.Println("not running")
		_ = os.Remove(cfg.PIDFile())
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	// Wait briefly for a clean exit before giving up.
	for i := 0; i < 50; i++ {
		if !processAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = os.Remove(cfg.PIDFile())
	fmt.Printf("stopped (pid %d)\n", pid)
	return nil
}

// daemonPID reads the PID file and reports whether that process is alive.
func daemonPID(cfg config.Config) (int, bool) {
	raw, err := os.ReadFile(cfg.PIDFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	// Signal 0 probes for existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
