//go:build !unix

package collector

import (
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// configureProcess makes a timeout kill the program and its descendants.
func configureProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return killTree(int32(cmd.Process.Pid))
	}
}

// killTree kills children before their parent so none get re-parented
// out of reach.
func killTree(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	if children, err := p.Children(); err == nil {
		for _, c := range children {
			_ = killTree(c.Pid)
		}
	}
	return p.Kill()
}
