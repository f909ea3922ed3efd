package klog

import (
	"fmt"
	"runtime"
)

// callStack formats the goroutine's call stack starting skip frames
// above its own caller, one frame per line, innermost first. Fatal
// uses it so a panic carries the path that led to the fatal condition
// even when the eventual recover() site is several layers removed.
func callStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	s := ""
	for {
		fr, more := frames.Next()
		if s == "" {
			s = fmt.Sprintf("%s:%d %s", fr.File, fr.Line, fr.Function)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d %s", fr.File, fr.Line, fr.Function)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return s
}
