package async

import (
	"runtime/debug"

	"pilot/internal/logging"
)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger *logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger *logging.Logger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		logger.Error("goroutine panic", "name", name, "panic", r, "stack", string(debug.Stack()))
	}
}
