//go:build unix

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the interpreter in its own process group so the
// whole tree (including anything the interpreter spawned) can be
// killed at once.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the process group led by pid.
func killTree(pid int) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(-pid, unix.SIGKILL)
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// processStamp returns pid's start time as recorded by the kernel.
// Linux reads it from /proc; other systems ask ps.
func processStamp(pid int) (string, error) {
	if pid <= 0 {
		return "", unix.ESRCH
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err == nil {
		// The command name in parentheses may hold spaces; start time
		// is the 20th field after it.
		rest := string(data)
		if i := strings.LastIndexByte(rest, ')'); i >= 0 {
			rest = rest[i+1:]
		}
		f := strings.Fields(rest)
		if len(f) < 20 {
			return "", fmt.Errorf("short stat line for pid %d", pid)
		}
		return f[19], nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	out, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	stamp := strings.Join(strings.Fields(string(out)), " ")
	if stamp == "" {
		return "", unix.ESRCH
	}
	return stamp, nil
}
