package daemon_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. Run must
// leave no walk or timer goroutine behind once it returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
