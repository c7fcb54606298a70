//go:build !unix

package backend

import "os"

func interruptedBySignal(ps *os.ProcessState) bool {
	return false
}
