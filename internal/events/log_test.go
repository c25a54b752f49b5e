package events

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return NewLog(filepath.Join(t.TempDir(), "events.log"))
}

func appendN(t *testing.T, l *Log, n int) []Event {
	t.Helper()
	var appended []Event
	for i := 0; i < n; i++ {
		event, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
		require.NoError(t, err)
		appended = append(appended, event)
	}
	return appended
}

func TestLog_Append(t *testing.T) {
	t.Run("assigns consecutive sequence numbers", func(t *testing.T) {
		l := newTestLog(t)

		appended := appendN(t, l, 3)

		for i, event := range appended {
			assert.Equal(t, uint64(i+1), event.Seq)
			assert.False(t, event.Time.IsZero())
		}
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		l := newTestLog(t)

		_, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: "rename"})
		assert.ErrorIs(t, err, ErrInvalidKind)
	})

	t.Run("concurrent appends are gap free", func(t *testing.T) {
		l := newTestLog(t)

		const writers, perWriter = 8, 25
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindFetch})
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		result, err := l.Verify()
		require.NoError(t, err)
		assert.Equal(t, writers*perWriter, result.Count)
		assert.Equal(t, uint64(1), result.Oldest)
		assert.Equal(t, uint64(writers*perWriter), result.Last)
	})

	t.Run("separate handles on one file share the sequence", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.log")
		first, second := NewLog(path), NewLog(path)

		a, err := first.Append(t.Context(), Draft{Repo: "demo", Kind: KindCreate})
		require.NoError(t, err)
		b, err := second.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
		require.NoError(t, err)

		assert.Equal(t, uint64(1), a.Seq)
		assert.Equal(t, uint64(2), b.Seq)
	})

	t.Run("sequence survives reopening", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.log")
		appendN(t, NewLog(path), 4)

		event, err := NewLog(path).Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
		require.NoError(t, err)
		assert.Equal(t, uint64(5), event.Seq)
	})

	t.Run("keeps payload and explicit time", func(t *testing.T) {
		l := newTestLog(t)
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		_, err := l.Append(t.Context(), Draft{
			Repo:    "demo",
			Kind:    KindPush,
			Time:    at,
			Payload: map[string]any{"actor": "alice"},
		})
		require.NoError(t, err)

		events, err := l.ReadFrom(1, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.True(t, at.Equal(events[0].Time))
		assert.Equal(t, "alice", events[0].Payload["actor"])
	})

	t.Run("refuses to append after a torn line", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 1)
		writeRaw(t, l.Path(), `{"seq":2,"kind":"pu`)

		_, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
		assert.ErrorIs(t, err, ErrCorruptLog)
	})

	t.Run("handles records larger than the tail chunk", func(t *testing.T) {
		l := newTestLog(t)
		big := make([]byte, tailChunk*3)
		for i := range big {
			big[i] = 'x'
		}
		_, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush, Payload: map[string]any{"blob": string(big)}})
		require.NoError(t, err)

		event, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), event.Seq)
	})
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestLog_ReadFrom(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, 5)

	t.Run("returns events from the given sequence", func(t *testing.T) {
		events, err := l.ReadFrom(3, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, uint64(3), events[0].Seq)
		assert.Equal(t, uint64(5), events[2].Seq)
	})

	t.Run("honors the limit", func(t *testing.T) {
		events, err := l.ReadFrom(1, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(2), events[1].Seq)
	})

	t.Run("missing log is empty", func(t *testing.T) {
		events, err := newTestLog(t).ReadFrom(1, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestLog_Bounds(t *testing.T) {
	t.Run("empty log", func(t *testing.T) {
		bounds, err := newTestLog(t).Bounds()
		require.NoError(t, err)
		assert.Equal(t, Bounds{}, bounds)
	})

	t.Run("ignores a partial final line", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 3)
		writeRaw(t, l.Path(), `{"seq":4`)

		bounds, err := l.Bounds()
		require.NoError(t, err)
		assert.Equal(t, Bounds{Oldest: 1, Last: 3}, bounds)
	})
}

func TestLog_Verify(t *testing.T) {
	t.Run("healthy log", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 3)

		result, err := l.Verify()
		require.NoError(t, err)
		assert.Equal(t, 3, result.Count)
	})

	t.Run("invalid json", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 1)
		writeRaw(t, l.Path(), "not json\n")

		_, err := l.Verify()
		assert.ErrorIs(t, err, ErrCorruptLog)
	})

	t.Run("sequence gap", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 1)
		writeRaw(t, l.Path(), `{"seq":3,"time":"2026-01-01T00:00:00Z","repo":"demo","kind":"push"}`+"\n")

		_, err := l.Verify()
		assert.ErrorIs(t, err, ErrCorruptLog)
	})

	t.Run("torn final line", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 2)
		writeRaw(t, l.Path(), `{"seq":3,"ti`)

		_, err := l.Verify()
		assert.ErrorIs(t, err, ErrCorruptLog)
		assert.ErrorIs(t, err, ErrTornTail)
	})
}

func TestLog_TruncateTornTail(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, 2)
	writeRaw(t, l.Path(), `{"seq":3,"ti`)

	repaired, err := l.TruncateTornTail()
	require.NoError(t, err)
	assert.True(t, repaired)

	_, err = l.Verify()
	require.NoError(t, err)

	event, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), event.Seq)

	repaired, err = l.TruncateTornTail()
	require.NoError(t, err)
	assert.False(t, repaired)
}

func TestLog_Compact(t *testing.T) {
	t.Run("keeps the newest events and continues the sequence", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 10)

		removed, err := l.Compact(3)
		require.NoError(t, err)
		assert.Equal(t, 7, removed)

		bounds, err := l.Bounds()
		require.NoError(t, err)
		assert.Equal(t, Bounds{Oldest: 8, Last: 10}, bounds)

		event, err := l.Append(t.Context(), Draft{Repo: "demo", Kind: KindPush})
		require.NoError(t, err)
		assert.Equal(t, uint64(11), event.Seq)
	})

	t.Run("no-op when under the limit", func(t *testing.T) {
		l := newTestLog(t)
		appendN(t, l, 2)

		removed, err := l.Compact(5)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("must keep at least one event", func(t *testing.T) {
		_, err := newTestLog(t).Compact(0)
		assert.ErrorIs(t, err, ErrInvalidKeep)
	})
}
