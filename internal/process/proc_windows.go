//go:build windows

package process

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// На Windows нет мягкой остановки группы: interrupt сразу убивает процесс.
func interruptProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func exitSignal(_ *os.ProcessState) (string, bool) {
	return "", false
}
