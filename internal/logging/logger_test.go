package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevelKnownValues(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	require.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	require.Equal(t, zerolog.FatalLevel, parseLevel("fatal"))
}

func TestParseLevelUnknownDefaultsToInfo(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
	require.Equal(t, zerolog.InfoLevel, parseLevel(""))
}

func TestNewBuildsJSONLoggerByDefault(t *testing.T) {
	logger := New("info", "json")
	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestRecoverPanicSwallowsPanicAndLogs(t *testing.T) {
	var buf recoverBuf
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", map[string]any{"queue": "q1"})
		panic("boom")
	}()

	require.Contains(t, buf.String(), "goroutine panic recovered")
	require.Contains(t, buf.String(), "test-goroutine")
}

type recoverBuf struct{ b []byte }

func (r *recoverBuf) Write(p []byte) (int, error) {
	r.b = append(r.b, p...)
	return len(p), nil
}

func (r *recoverBuf) String() string { return string(r.b) }
