package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/durablestreams/streamd/internal/offset"
)

func TestMemoryCreateAppendRead(t *testing.T) {
	m := NewMemory()
	created, err := m.Create("/s", CreateConfig{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	require.True(t, created)

	created, err = m.Create("/s", CreateConfig{ContentType: "application/octet-stream"})
	require.NoError(t, err)
	require.False(t, created)

	off1, err := m.Append("/s", []byte("AB"), AppendMutation{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), off1.ByteOffset)

	off2, err := m.Append("/s", []byte("CD"), AppendMutation{})
	require.NoError(t, err)
	require.Equal(t, uint64(4), off2.ByteOffset)

	res, err := m.Read("/s", offset.Zero)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	require.Equal(t, []byte("AB"), res.Messages[0].Data)
	require.Equal(t, []byte("CD"), res.Messages[1].Data)
	require.True(t, res.CurrentOffset.Equal(off2))
}

func TestMemoryAppendToMissingStream(t *testing.T) {
	m := NewMemory()
	_, err := m.Append("/missing", []byte("x"), AppendMutation{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryClosedRejectsAppend(t *testing.T) {
	m := NewMemory()
	_, err := m.Create("/s", CreateConfig{})
	require.NoError(t, err)

	closed := true
	require.NoError(t, m.Update("/s", AppendMutation{Closed: &closed}))

	_, err = m.Append("/s", []byte("x"), AppendMutation{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryWaitForDataWakesOnAppend(t *testing.T) {
	m := NewMemory()
	_, err := m.Create("/s", CreateConfig{})
	require.NoError(t, err)

	done := make(chan WaitResult, 1)
	go func() {
		res, err := m.WaitForData(context.Background(), "/s", offset.Zero, 2*time.Second)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = m.Append("/s", []byte("Z"), AppendMutation{})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Len(t, res.Messages, 1)
		require.Equal(t, []byte("Z"), res.Messages[0].Data)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForData never woke")
	}
}

func TestMemoryWaitForDataTimesOut(t *testing.T) {
	m := NewMemory()
	_, err := m.Create("/s", CreateConfig{})
	require.NoError(t, err)

	res, err := m.WaitForData(context.Background(), "/s", offset.Zero, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}

func TestMemoryDeleteThenRecreateStartsAtZero(t *testing.T) {
	m := NewMemory()
	_, err := m.Create("/s", CreateConfig{})
	require.NoError(t, err)
	_, err = m.Append("/s", []byte("x"), AppendMutation{})
	require.NoError(t, err)

	existed, err := m.Delete("/s")
	require.NoError(t, err)
	require.True(t, existed)

	created, err := m.Create("/s", CreateConfig{})
	require.NoError(t, err)
	require.True(t, created)

	info, err := m.Head("/s")
	require.NoError(t, err)
	require.True(t, info.CurrentOffset.IsZero())
}
