// SPDX-License-Identifier: MIT

//go:build linux

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kioskly/playerd/internal/log"
)

func set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup signals the whole group (negative pid), falling back to the
// leader alone when the group signal is refused. A vanished group is success.
func signalGroup(proc *os.Process, pid int, sig syscall.Signal) bool {
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) {
		return false
	}
	_ = proc.Signal(sig)
	return true
}

func killGroup(pid int, grace, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	logger := log.WithComponent("procgroup")

	logger.Debug().Int("pid", pid).Msg("terminating player process group")
	if !signalGroup(proc, pid, syscall.SIGTERM) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	logger.Warn().Int("pid", pid).Dur("grace", grace).Msg("player ignored SIGTERM, killing group")
	if !signalGroup(proc, pid, syscall.SIGKILL) {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrKillFailed
	}
}
