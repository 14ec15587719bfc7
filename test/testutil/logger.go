package testutil

import "github.com/zerodha/logf"

// NopLogger returns a usable zero-value logf.Logger for tests that need to
// satisfy a Log field but don't assert on log output.
func NopLogger() logf.Logger {
	return logf.New(logf.Opts{})
}
