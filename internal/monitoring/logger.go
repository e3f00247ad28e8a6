// Package monitoring holds the diagnostic logger shared by the tracking
// packages.
package monitoring

import (
	"fmt"
	"log"
)

// Logf reports lock transitions, skipped pieces and filter failures. It
// defaults to log.Printf and can be redirected or muted with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil mutes logging.
func SetLogger(f func(format string, v ...interface{})) {

	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}

	Logf = f
}

// Capture redirects Logf into the returned slice until the restore function
// is called.
func Capture() (*[]string, func()) {
	original := Logf
	lines := &[]string{}

	Logf = func(format string, v ...interface{}) {
		*lines = append(*lines, fmt.Sprintf(format, v...))
	}

	return lines, func() { Logf = original }
}
