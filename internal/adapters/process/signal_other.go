//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// No graceful signal exists here; termination is a kill.
func terminateProcess(p *os.Process) error { return p.Kill() }

func killProcess(p *os.Process) error { return p.Kill() }

func signalName(*os.ProcessState) string { return "" }
