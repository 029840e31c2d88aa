package clockid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNowUnixSecsNeverRegresses(t *testing.T) {
	c := New()
	first := c.NowUnixSecs()
	c.highWater.Store(int64(first) + 1000)
	second := c.NowUnixSecs()
	require.GreaterOrEqual(t, second, first)
	require.EqualValues(t, first+1000, second)
}

func TestNewMessageIDUnique(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	require.NotEqual(t, a, b)
}
