// Package klog provides the kernel core's minimal, allocation-light
// logging surface: milestone messages at subsystem init and trap
// frame dumps on fatal panics. It is intentionally thin — the teacher
// codebase logs init milestones with bare fmt.Printf and fatal errors
// with log.Fatal, and this package keeps that texture behind a
// replaceable sink instead of writing straight to stdout.
package klog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	logger = log.New(os.Stderr, "", log.LstdFlags)
)

// SetOutput redirects all subsequent log output; tests use this to
// capture milestone messages instead of polluting test output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", log.LstdFlags)
}

// Init logs a one-line subsystem initialization milestone, e.g.
// klog.Init("pmm", "reserved %d pages (%dMB)", n, n>>8).
func Init(subsystem, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	logger.Printf("[%s] %s", subsystem, fmt.Sprintf(format, args...))
}

// Fatal logs a message and then panics. Used at boundaries where a
// condition is fatal to the whole kernel (double fault, metadata
// corruption, an unhandled kernel CPU exception) — the panic carries
// the same message so a recovering test harness still sees it.
func Fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	trace := callStack(1)
	mu.Lock()
	logger.Printf("FATAL: %s\n\t%s", msg, trace)
	mu.Unlock()
	panic(msg)
}
