package gutter

import (
	"fmt"
	"os"
	"runtime/debug"
)

// GoSafe runs a function in a goroutine and recovers from panics.
// It logs the panic and stack trace instead of crashing the process.
// The worker pool launches every worker through it so a panicking batch
// callback costs one worker, not the whole ingest.
func GoSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC RECOVERED in background task: %v\n%s\n", r, debug.Stack())
			}
		}()
		fn()
	}()
}
