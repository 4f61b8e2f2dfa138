package testlog

import (
	"io"
	"testing"

	"github.com/danmuck/sfipc/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and announces the running test.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Logger returns a logger that writes through t.Log so output is grouped
// with the test that produced it.
func Logger(t testing.TB) zerolog.Logger {
	t.Helper()
	return newConsole(zerolog.TestWriter{T: t})
}

// newConsole renders without timestamps; the test runner already orders
// the output.
func newConsole(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:          w,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	}).Level(zerolog.DebugLevel)
}
