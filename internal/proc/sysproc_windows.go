//go:build windows

package proc

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// sysProcAttr keeps worker processes from opening a console window.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NO_WINDOW,
		HideWindow:    true,
	}
}
