//go:build windows

package proc

import "syscall"

// sessionAttr is empty on Windows where Setsid is not available.
func sessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
