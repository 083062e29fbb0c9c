package zof

import (
	"log/slog"
	"os"
)

// LevelCritical is logged for application handler failures.
const LevelCritical = slog.LevelError + 4

// killedExitCode mirrors a shell's report of a SIGKILLed process.
const killedExitCode = 128 + 9

func flushStandardStreams() {
	_ = os.Stdout.Sync()
	_ = os.Stderr.Sync()
}
