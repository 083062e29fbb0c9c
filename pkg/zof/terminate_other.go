//go:build !unix

package zof

import "os"

// terminateProcess flushes the standard streams and exits immediately without running
// deferred functions. Platforms without signals get the shell's SIGKILL exit code.
func terminateProcess() {
	flushStandardStreams()
	os.Exit(killedExitCode)
}
