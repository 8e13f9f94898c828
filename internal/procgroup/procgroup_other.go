// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !unix

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func set(*exec.Cmd) {}

// signal only reaches the root process here. SIGTERM has no portable
// equivalent, so it is a no-op and Terminate escalates after grace.
func signal(cmd *exec.Cmd, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}

func gone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
