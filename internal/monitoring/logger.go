// Package monitoring holds the process-wide diagnostic logger used by every
// rig component.
package monitoring

import (
	"log"
	"sync"
)

var mu sync.RWMutex

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	mu.Lock()
	Logf = f
	mu.Unlock()
}

// Scoped returns a logger that prefixes every message with "component: " and
// forwards to whatever Logf is at call time, so a later SetLogger still
// applies.
func Scoped(component string) func(format string, v ...interface{}) {
	prefix := component + ": "
	return func(format string, v ...interface{}) {
		mu.RLock()
		f := Logf
		mu.RUnlock()
		f(prefix+format, v...)
	}
}
