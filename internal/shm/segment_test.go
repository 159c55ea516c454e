package shm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegment(t *testing.T, size, block int) *Segment {
	t.Helper()
	seg, err := New("test", size, block)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })
	return seg
}

func TestAllocWriteRead(t *testing.T) {
	seg := newTestSegment(t, 4096, 64)

	ref, err := seg.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ref.Count)

	buf, err := seg.Bytes(ref)
	require.NoError(t, err)
	require.Len(t, buf, 128)
	copy(buf, "payload")

	again, err := seg.Bytes(ref)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(again[:7]))

	stats := seg.Stats()
	assert.Equal(t, 4096, stats.Capacity)
	assert.Equal(t, 128, stats.Used)
}

func TestFreeInvalidatesRef(t *testing.T) {
	seg := newTestSegment(t, 1024, 64)

	ref, err := seg.Alloc(10)
	require.NoError(t, err)
	require.NoError(t, seg.Free(ref))

	_, err = seg.Bytes(ref)
	assert.True(t, errors.Is(err, ErrStaleRef))
	assert.False(t, seg.Valid(ref))
	assert.Error(t, seg.Free(ref), "double free must be rejected")

	reused, err := seg.Alloc(10)
	require.NoError(t, err)
	if reused.Block == ref.Block {
		assert.NotEqual(t, ref.Gen, reused.Gen)
	}
}

func TestAllocNoRoom(t *testing.T) {
	seg := newTestSegment(t, 256, 64)

	refs := make([]Ref, 0, 4)
	for i := 0; i < 4; i++ {
		ref, err := seg.Alloc(64)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	_, err := seg.Alloc(1)
	assert.ErrorIs(t, err, ErrNoRoom)

	require.NoError(t, seg.Free(refs[1]))
	_, err = seg.Alloc(65)
	assert.ErrorIs(t, err, ErrNoRoom, "fragmented space cannot serve a 2-block run")

	_, err = seg.Alloc(64)
	assert.NoError(t, err)
}

func TestOutOfRangeRef(t *testing.T) {
	seg := newTestSegment(t, 256, 64)
	_, err := seg.Bytes(Ref{Block: 3, Count: 4, Gen: 1})
	assert.ErrorIs(t, err, ErrStaleRef)
	_, err = seg.Bytes(Ref{})
	assert.ErrorIs(t, err, ErrStaleRef)
}

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New("bad", 10, 64)
	assert.Error(t, err)
	_, err = New("bad", 1024, 0)
	assert.Error(t, err)
}
