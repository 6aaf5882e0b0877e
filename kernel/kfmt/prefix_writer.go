package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Subsystems use it to tag their log
// output, e.g. "[vmm] ".
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last write did not end with a newline.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying writer and returns the
// number of bytes written. The injected prefixes are not included in the
// returned count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for lineStart < len(p) {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineEnd := lineStart
		for lineEnd < len(p) && p[lineEnd] != '\n' {
			lineEnd++
		}
		if lineEnd < len(p) {
			// include the newline
			lineEnd++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[lineStart:lineEnd])
		written += n
		if err != nil {
			return written, err
		}
		lineStart = lineEnd
	}

	return written, nil
}
