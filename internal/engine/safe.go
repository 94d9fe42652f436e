package engine

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
)

// GoSafe runs a function in a goroutine and recovers from panics.
// The panic and stack trace are logged instead of crashing the process.
func GoSafe(logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("panic recovered in background task", "panic", r, "stack", string(debug.Stack()))
					return
				}
				fmt.Fprintf(os.Stderr, "PANIC RECOVERED in background task: %v\n%s\n", r, debug.Stack())
			}
		}()
		fn()
	}()
}
