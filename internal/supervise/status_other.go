//go:build !unix

package supervise

import "os"

func describe(state *os.ProcessState) (int, string) {
	return state.ExitCode(), ""
}
