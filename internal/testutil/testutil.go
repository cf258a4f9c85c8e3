// Package testutil holds helpers shared by the HTTP and debug route tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// loopbackAddr passes tsweb's debug access check.
const loopbackAddr = "127.0.0.1:1234"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewDebugRequest returns a request for a /debug/ route that appears to come
// from the local machine.
func NewDebugRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = loopbackAddr
	return req
}

// ServeDebug sends a loopback request through h and returns the response.
func ServeDebug(t testing.TB, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, NewDebugRequest(method, path))
	return w
}
