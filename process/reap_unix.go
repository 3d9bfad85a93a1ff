//go:build unix

package process

import (
	"golang.org/x/sys/unix"
)

const reapSupported = true

// reap checks pid without blocking. done is false while the child runs.
// A pid that is not (or no longer) our child, for instance because
// SIGCHLD is ignored, is reported dead with an unknown status.
func reap(pid int) (death *Death, done bool) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	for err == unix.EINTR {
		wpid, err = unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	}
	switch {
	case err == unix.ECHILD:
		return &Death{PID: pid, Status: ExitStatus{Code: -1, Unknown: true}}, true
	case err != nil, wpid == 0:
		return nil, false
	}

	status := ExitStatus{Code: ws.ExitStatus()}
	if ws.Signaled() {
		status.Code = -1
		status.Signal = ws.Signal()
		status.CoreDumped = ws.CoreDump()
	}
	return &Death{PID: pid, Status: status}, true
}
