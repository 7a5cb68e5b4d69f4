//go:build windows

package main

import "os/exec"

func configureDaemonProc(cmd *exec.Cmd) {
	// Windows doesn't use Setsid; a default child process detaches well
	// enough for this use case.
}
