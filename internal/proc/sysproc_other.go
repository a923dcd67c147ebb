//go:build !windows

package proc

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
