//go:build unix

package main

import "syscall"

// detachAttr puts the child in its own session so it outlives the terminal
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
