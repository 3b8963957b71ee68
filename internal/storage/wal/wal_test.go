package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func put(t *testing.T, w *WAL, key, value string) uint64 {
	t.Helper()
	seq, err := w.Append(Event{Type: EventPut, Key: key, Value: value})
	require.NoError(t, err)
	return seq
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t)

	assert.Equal(t, uint64(1), put(t, w, "requests", `[{"origins":["GRU"]}]`))
	put(t, w, "results", "[]")
	seq, err := w.Append(Event{Type: EventDelete, Key: "requests"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, uint64(3), w.LastSeq())

	var events []Event
	n, err := w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, events, 3)
	assert.Equal(t, EventPut, events[0].Type)
	assert.Equal(t, "requests", events[0].Key)
	assert.Equal(t, EventDelete, events[2].Type)
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.NotZero(t, events[0].Timestamp)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	put(t, w, "a", "1")
	put(t, w, "b", "2")
	require.NoError(t, w.Close())

	w2, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.LastSeq())

	assert.Equal(t, uint64(3), put(t, w2, "c", "3"))
}

func TestReplayStopsAtTornTail(t *testing.T) {
	w, path := newTestWAL(t)
	put(t, w, "a", "1")
	put(t, w, "b", "2")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"type":"PUT","ke`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	applied := map[string]string{}
	n, err := w.Replay(func(e Event) error {
		applied[e.Key] = e.Value
		return nil
	})
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, ErrCorruptedWAL))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, applied)

	// 重新開啟時序號接續有效的前綴
	w2, err := Open(path, Options{})
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.LastSeq())
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	_, path := newTestWAL(t)
	bad := `{"seq":1,"type":"PUT","key":"a","value":"1","timestamp":0,"checksum":42}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0644))

	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Replay(func(Event) error { return nil })
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestReplayHandlerError(t *testing.T) {
	w, _ := newTestWAL(t)
	put(t, w, "a", "1")
	put(t, w, "b", "2")

	boom := errors.New("boom")
	n, err := w.Replay(func(e Event) error {
		if e.Key == "b" {
			return boom
		}
		return nil
	})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, boom)
}

func TestRotateClearsLog(t *testing.T) {
	w, path := newTestWAL(t)
	put(t, w, "a", "1")
	require.NoError(t, w.Rotate())

	assert.Equal(t, uint64(1), w.LastSeq(), "Rotate keeps the sequence")
	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.Equal(t, uint64(2), put(t, w, "b", "2"))
	count, err = CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOpenStartSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, Options{SyncOnAppend: true, StartSeq: 40})
	require.NoError(t, err)
	assert.Equal(t, uint64(41), put(t, w, "a", "1"))
	require.NoError(t, w.Close())

	w2, err := Open(path, Options{StartSeq: 10})
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(41), w2.LastSeq(), "A lower floor never rewinds the log")
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	_, err := w.Append(Event{Type: EventPut, Key: "a", Value: "1"})
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Sync(), ErrWALClosed)
	assert.NoError(t, w.Close(), "second close is a no-op")
}

func TestBufferedAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffered.wal")
	w, err := Open(path, Options{})
	require.NoError(t, err)

	put(t, w, "a", "1")
	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "buffered events are not on disk yet")

	require.NoError(t, w.Sync())
	count, err = CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	put(t, w, "b", "2")
	require.NoError(t, w.Close())
	count, err = CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "close flushes the buffer")
}

func TestBufferedReplaySeesPendingEvents(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "buffered.wal"), Options{})
	require.NoError(t, err)
	defer w.Close()

	put(t, w, "a", "1")
	n, err := w.Replay(func(Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChecksumCoversFields(t *testing.T) {
	base := Event{Seq: 1, Type: EventPut, Key: "k", Value: "v1"}
	changed := []Event{
		{Seq: 1, Type: EventPut, Key: "k", Value: "v2"},
		{Seq: 2, Type: EventPut, Key: "k", Value: "v1"},
		{Seq: 1, Type: EventDelete, Key: "k", Value: "v1"},
		{Seq: 1, Type: EventPut, Key: "k2", Value: "v1"},
	}
	for _, e := range changed {
		assert.NotEqual(t, Checksum(base), Checksum(e), "%+v", e)
	}

	stamped := base
	stamped.Timestamp = 12345
	assert.Equal(t, Checksum(base), Checksum(stamped), "timestamp is not covered")
}

func TestCountEventsMissingFile(t *testing.T) {
	count, err := CountEvents(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
