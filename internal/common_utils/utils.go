package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID returns the numeric ID of the calling goroutine, or -1 if it cannot
// be determined. Used only for log fields, never for logic.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// CallerStack captures the calling goroutine's stack trace. The returned
// text is attached to errors that cross a goroutine boundary so both sides
// of the hop show up in diagnostics.
func CallerStack() string {
	buf := make([]byte, 8192)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
