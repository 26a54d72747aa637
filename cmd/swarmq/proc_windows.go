//go:build windows

package main

import "os/exec"

// configureDaemonProc is a no-op: processes started on Windows already
// outlive their parent.
func configureDaemonProc(cmd *exec.Cmd) {}
