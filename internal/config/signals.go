package config

import (
	"os"
	"strings"
	"syscall"
)

// softSignals maps recognized soft signal names to their os.Signal values.
// SIGKILL is deliberately absent: it cannot be caught.
var softSignals = map[string]os.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// SoftSignal resolves a signal name (e.g., "SIGTERM", case-insensitive)
// to its os.Signal value. The second return value reports whether the
// name is recognized.
func SoftSignal(name string) (os.Signal, bool) {
	sig, ok := softSignals[strings.ToUpper(name)]
	return sig, ok
}

// SoftSignalList resolves a list of signal names, skipping unknown entries.
// Callers validate names through Validate beforehand; the skip keeps the
// function total for direct use in tests.
func SoftSignalList(names []string) []os.Signal {
	sigs := make([]os.Signal, 0, len(names))
	for _, name := range names {
		if sig, ok := SoftSignal(name); ok {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}
