package vpntest

import (
	"fmt"
	"strings"
	"testing"
)

// AssertPanic fails t unless f panics with a message containing want.
// An empty want accepts any panic.
func AssertPanic(t testing.TB, want string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("expected code to panic")
			return
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, want) {
			t.Errorf("panic %q does not contain %q", msg, want)
		}
	}()
	f()
}
