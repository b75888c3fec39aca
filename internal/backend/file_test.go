package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durablestreams/streamd/internal/offset"
)

func TestFileCreateAppendRead(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(FileConfig{DataDir: dir, MaxFileHandles: 4})
	require.NoError(t, err)
	defer store.Close()

	created, err := store.Create("/s", CreateConfig{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	require.True(t, created)

	off, err := store.Append("/s", []byte("AB"), AppendMutation{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), off.ByteOffset)

	off, err = store.Append("/s", []byte("CD"), AppendMutation{})
	require.NoError(t, err)
	require.Equal(t, uint64(4), off.ByteOffset)

	res, err := store.Read("/s", offset.Zero)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	require.Equal(t, []byte("AB"), res.Messages[0].Data)
	require.Equal(t, []byte("CD"), res.Messages[1].Data)
}

func TestFileClosedRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(FileConfig{DataDir: dir})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Create("/s", CreateConfig{})
	require.NoError(t, err)

	closed := true
	require.NoError(t, store.Update("/s", AppendMutation{Closed: &closed}))

	_, err = store.Append("/s", []byte("x"), AppendMutation{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFileRecoversTruncatedSegment(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(FileConfig{DataDir: dir})
	require.NoError(t, err)

	_, err = store.Create("/s", CreateConfig{})
	require.NoError(t, err)
	_, err = store.Append("/s", []byte("hello"), AppendMutation{})
	require.NoError(t, err)

	store.mu.RLock()
	entry := store.streams["/s"]
	store.mu.RUnlock()
	segPath := store.segmentPath(entry.directoryName)
	require.NoError(t, store.Close())

	// Simulate a crash: a length header was fdatasync'd but the payload
	// and delimiter for a second frame never made it to disk.
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := NewFile(FileConfig{DataDir: dir})
	require.NoError(t, err)
	defer recovered.Close()

	info, err := recovered.Head("/s")
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.CurrentOffset.ByteOffset)

	res, err := recovered.Read("/s", offset.Zero)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, []byte("hello"), res.Messages[0].Data)
}

func TestFileRecoveryDropsMissingSegment(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(FileConfig{DataDir: dir})
	require.NoError(t, err)
	_, err = store.Create("/s", CreateConfig{})
	require.NoError(t, err)

	store.mu.RLock()
	entry := store.streams["/s"]
	store.mu.RUnlock()
	require.NoError(t, store.Close())
	require.NoError(t, os.RemoveAll(filepath.Dir(store.segmentPath(entry.directoryName))))

	recovered, err := NewFile(FileConfig{DataDir: dir})
	require.NoError(t, err)
	defer recovered.Close()

	_, err = recovered.Head("/s")
	require.ErrorIs(t, err, ErrNotFound)
}
