package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// Start silences global logging for one test and returns a test-scoped
// logger for cases that want output on failure.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	return zerolog.New(zerolog.NewTestWriter(t)).With().Str("test", t.Name()).Logger()
}
