package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the ingestion pipeline.
// It defaults to log.Printf but may be replaced by SetLogger. Tests redirect or
// mute it to keep noisy per-frame diagnostics out of test output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
