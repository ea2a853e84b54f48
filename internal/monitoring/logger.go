package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. The tracking core, the normalizer and the feed
// readers all report through it so a single call can redirect or mute them.
var Logf func(format string, v ...interface{}) = log.Printf

// debugEnabled gates Debugf. Per-record skip messages are noisy on busy feeds.
var debugEnabled bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug enables or disables Debugf output.
func SetDebug(enabled bool) {
	debugEnabled = enabled
}

// Debugf logs through Logf only when debug output is enabled.
func Debugf(format string, v ...interface{}) {
	if !debugEnabled {
		return
	}
	Logf("[debug] "+format, v...)
}
