// Package debug carries the debug build flag and a compact stack formatter
// used when annotating hard failures.
package debug

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Stack returns the caller's stack, trimmed of runtime noise unless the debug
// build tag is set.
func Stack() string {
	var sbb strings.Builder
	WriteStack(&sbb)
	return sbb.String()
}

// WriteStack writes the caller's stack into sbb, one "function\n\tfile:line"
// entry per frame.
func WriteStack(sbb *strings.Builder) {
	// see https://golang.org/pkg/runtime/#example_Frames
	pc := make([]uintptr, 256)
	n := runtime.Callers(3, pc)
	if n == 0 {
		return
	}
	pc = pc[:n]
	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()
		fe := strings.Split(frame.Function, "/")
		function := fe[len(fe)-1]
		file := filepath.Base(frame.File)

		if !Debug {
			if strings.Contains(function, "runtime.gopanic") {
				continue
			}
			if strings.HasSuffix(file, "_test.go") {
				continue
			}
		}
		sbb.WriteString(function)
		sbb.WriteString("\n\t")
		sbb.WriteString(file)
		sbb.WriteString(":")
		sbb.WriteString(strconv.Itoa(frame.Line))
		sbb.WriteByte('\n')
		if !more {
			break
		}
	}
}
