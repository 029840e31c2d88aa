package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/clockid"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(Config{
		NumShards: 8,
		Clock:     clockid.New(),
		Recorder:  persistence.NewPassive(),
	}, zerolog.Nop())
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("foo", []byte("bar"), 0))
	v, err := s.Get("foo")
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), v)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("absent")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSetWithTTLExpires(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("temp", []byte("v"), 1))
	require.True(t, s.Exists("temp"))

	// move the stored expiry into the past instead of sleeping; with a nil
	// clock the store reads time.Now() directly.
	s.clock = nil
	fakeNow := uint32(time.Now().Unix()) + 10
	s.shardFor("temp").store.set("temp", &storedValue{value: []byte("v"), expiresAt: fakeNow - 20})
	_, err := s.Get("temp")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("k", []byte("v"), 0))
	removed, err := s.Delete("k")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, s.Exists("k"))

	removed, err = s.Delete("k")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestIncrStartsAtZero(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Incr("counter", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	v, err = s.Incr("counter", -2)
	require.NoError(t, err)
	require.EqualValues(t, 3, v)
}

func TestIncrNonIntegerFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("notanum", []byte("abc"), 0))
	_, err := s.Incr("notanum", 1)
	require.ErrorIs(t, err, errs.ErrNotAnInteger)
}

func TestAppendConcatenates(t *testing.T) {
	s := newTestStore(t)
	n, err := s.Append("buf", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = s.Append("buf", []byte(" world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	v, _ := s.Get("buf")
	require.Equal(t, "hello world", string(v))
}

func TestSetRangeZeroPads(t *testing.T) {
	s := newTestStore(t)
	n, err := s.SetRange("k", 5, []byte("xyz"))
	require.NoError(t, err)
	require.Equal(t, 8, n)

	v, _ := s.Get("k")
	require.Equal(t, append([]byte{0, 0, 0, 0, 0}, 'x', 'y', 'z'), v)
}

func TestMSetNXAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.MSetNX(map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MSetNX(map[string][]byte{"b": []byte("3"), "c": []byte("4")})
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, s.Exists("c"))
}

func TestMDelReturnsRemovedCount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("a", []byte("1"), 0))
	require.NoError(t, s.Set("b", []byte("2"), 0))

	n, err := s.MDel([]string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRenameMovesValueAcrossShards(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("old", []byte("v"), 0))

	require.NoError(t, s.Rename("old", "new"))
	require.False(t, s.Exists("old"))
	v, err := s.Get("new")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.ErrorIs(t, s.Rename("missing", "anywhere"), errs.ErrNotFound)
}

func TestScanReturnsPrefixMatchesSorted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("user:2", []byte("b"), 0))
	require.NoError(t, s.Set("user:1", []byte("a"), 0))
	require.NoError(t, s.Set("other", []byte("c"), 0))

	got := s.Scan("user:", 0)
	require.Equal(t, []string{"user:1", "user:2"}, got)
}

func TestFlushDBClearsEverything(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("a", []byte("1"), 0))
	require.NoError(t, s.FlushDB())
	require.Equal(t, 0, s.DBSize())
}

func TestTrieThresholdPromotion(t *testing.T) {
	s := New(Config{NumShards: 1, Clock: clockid.New(), Recorder: persistence.NewPassive(), TrieThreshold: 4}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(string(rune('a'+i)), []byte("v"), 0))
	}
	require.True(t, s.shards[0].usingTrie)
	v, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestRunTTLSweeperRemovesExpiredKeys(t *testing.T) {
	s := newTestStore(t)
	sh := s.shardFor("expiring")
	sh.mu.Lock()
	sh.store.set("expiring", &storedValue{value: []byte("v"), expiresAt: 1})
	sh.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go s.RunTTLSweeper(ctx, 5*time.Millisecond, 10, zerolog.Nop())
	require.Eventually(t, func() bool {
		sh.mu.RLock()
		defer sh.mu.RUnlock()
		_, stillStored := sh.store.get("expiring")
		return !stillStored
	}, time.Second, 5*time.Millisecond)
	cancel()
}

func TestApplyKvSetMutatesInMemoryOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Apply(ops.KvSet{Key: "replayed", Value: []byte("value")}))
	v, err := s.Get("replayed")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), v)
}
