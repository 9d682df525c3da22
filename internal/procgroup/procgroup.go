// SPDX-License-Identifier: MIT

// Package procgroup spawns child processes in their own process group and
// reaps the whole group on teardown. The playback surface relies on this to
// take helper processes (audio sinks, wrapper scripts) down with the player.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

// ErrKillFailed reports that the group survived SIGKILL past the timeout.
var ErrKillFailed = errors.New("kill operation failed")

// Set configures cmd to start as a process group leader. Required before
// Start for KillGroup to work on the group.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates the process group rooted at pid: SIGTERM, wait up to
// grace, then SIGKILL with a final timeout.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
