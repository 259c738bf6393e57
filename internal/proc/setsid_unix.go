//go:build !windows

package proc

import "syscall"

// sessionAttr places the child in its own session, detached from the
// parent's controlling terminal.
func sessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
