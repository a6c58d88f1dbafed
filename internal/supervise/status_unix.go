//go:build unix

package supervise

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func describe(state *os.ProcessState) (int, string) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return state.ExitCode(), ""
	}
	sig := unix.Signal(ws.Signal())
	name := unix.SignalName(sig)
	if name == "" {
		name = sig.String()
	}
	return -1, name
}
