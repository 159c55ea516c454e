package dict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/ring"
	"github.com/any-hub/any-cache/internal/shm"
)

func newTestDict(t *testing.T, size int) (*Dict, *ring.Store) {
	t.Helper()
	seg, err := shm.New("dict-test", size, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })
	r := ring.New(seg)
	return New(seg, r), r
}

func TestSetAndGet(t *testing.T) {
	d, _ := newTestDict(t, 64*1024)
	key := cachekey.New([]byte("GET.http.a.local./"))
	rule := &Rule{TTL: 60, Extend: [4]uint8{10, 10, 10, 10}}

	d.Lock()
	defer d.Unlock()

	e, err := d.Set(key, rule, 1)
	require.NoError(t, err)
	assert.Equal(t, StateInit, e.State)
	assert.Equal(t, uint32(60), e.TTL)
	assert.True(t, e.Key.Equal(key))

	got := d.Get(key, 0)
	require.NotNil(t, got)
	assert.Same(t, e, got)

	_, err = d.Set(key, rule, 2)
	assert.Error(t, err, "one entry per key")
}

func TestSetFailsWhenSegmentFull(t *testing.T) {
	d, _ := newTestDict(t, 512)

	d.Lock()
	defer d.Unlock()

	_, err := d.Set(cachekey.New([]byte("a")), &Rule{}, 1)
	require.NoError(t, err)
	_, err = d.Set(cachekey.New([]byte("b")), &Rule{}, 1)
	require.NoError(t, err)
	_, err = d.Set(cachekey.New([]byte("c")), &Rule{}, 1)
	assert.ErrorIs(t, err, ErrNoRoom)
}

func TestGetExpiresValidEntry(t *testing.T) {
	d, r := newTestDict(t, 64*1024)
	key := cachekey.New([]byte("k"))

	d.Lock()
	e, err := d.Set(key, &Rule{TTL: 10}, 1)
	require.NoError(t, err)
	e.State = StateValid
	e.CTime = 1_000_000
	e.Expire = 1_000 + 10
	e.Ring = r.Init()
	e.Disk = "/tmp/any-cache/k"

	assert.NotNil(t, d.Get(key, 1_005_000))
	assert.Nil(t, d.Get(key, 1_010_000))
	assert.Equal(t, StateInvalid, e.State)
	assert.Equal(t, []string{"/tmp/any-cache/k"}, d.Drain())
	assert.Nil(t, d.Drain())
	d.Unlock()

	assert.Equal(t, ring.Stats{Count: 1, Invalid: 1}, r.Stats())
}

func TestSetReplacesInvalidEntry(t *testing.T) {
	d, _ := newTestDict(t, 64*1024)
	key := cachekey.New([]byte("k"))

	d.Lock()
	defer d.Unlock()

	old, err := d.Set(key, &Rule{}, 1)
	require.NoError(t, err)
	d.Invalidate(old)

	fresh, err := d.Set(key, &Rule{}, 2)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 2, fresh.PID)
	assert.Equal(t, 1, d.tree.Len())
}

func TestCleanupRemovesInvalidAndExpired(t *testing.T) {
	d, _ := newTestDict(t, 64*1024)
	now := uint64(2_000_000)

	d.Lock()
	live, _ := d.Set(cachekey.New([]byte("live")), &Rule{}, 1)
	live.State = StateValid

	dead, _ := d.Set(cachekey.New([]byte("dead")), &Rule{}, 1)
	d.Invalidate(dead)

	stale, _ := d.Set(cachekey.New([]byte("stale")), &Rule{TTL: 1}, 1)
	stale.State = StateValid
	stale.Expire = 1

	pending, _ := d.Set(cachekey.New([]byte("pending")), &Rule{TTL: 1}, 1)
	pending.Expire = 1

	removed := 0
	for i := 0; i < 8; i++ {
		if d.Cleanup(now) {
			removed++
		}
	}
	d.Unlock()

	assert.Equal(t, 2, removed)
	st := d.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 1, st.Valid)
	assert.Equal(t, 1, st.Init, "entries still being written are never swept")
}

func TestCleanupKeepsEntriesWithWriters(t *testing.T) {
	d, r := newTestDict(t, 64*1024)
	now := uint64(2_000_000)

	d.Lock()
	updating, _ := d.Set(cachekey.New([]byte("updating")), &Rule{TTL: 1}, 1)
	updating.State = StateUpdate
	updating.Expire = 1
	updating.Ring = r.Init()
	updating.Writers = 1

	orphan, _ := d.Set(cachekey.New([]byte("orphan")), &Rule{}, 1)
	d.Invalidate(orphan)
	orphan.Writers = 1

	for i := 0; i < 8; i++ {
		assert.False(t, d.Cleanup(now))
	}
	_, err := d.Set(orphan.Key, &Rule{}, 2)
	assert.Error(t, err, "an invalid entry with a writer in flight is not replaced")

	orphan.Writers = 0
	removed := false
	for i := 0; i < 4 && !removed; i++ {
		removed = d.Cleanup(now)
	}
	d.Unlock()

	assert.True(t, removed)
	assert.Equal(t, 1, d.Len())
}

func TestGetRetiresExpiredUpdateCopy(t *testing.T) {
	d, r := newTestDict(t, 64*1024)
	key := cachekey.New([]byte("doc"))

	d.Lock()
	e, err := d.Set(key, &Rule{TTL: 1}, 1)
	require.NoError(t, err)
	old := r.Init()
	e.State = StateUpdate
	e.Expire = 1
	e.Ring = old
	e.Disk = "/tmp/any-cache/doc"
	e.Writers = 1

	got := d.Get(key, 2_000_000)
	require.Same(t, e, got)
	assert.Equal(t, StateUpdate, e.State)
	assert.Nil(t, e.Ring)
	assert.Empty(t, e.Disk)
	assert.True(t, old.Invalid())
	assert.Equal(t, []string{"/tmp/any-cache/doc"}, d.Drain())
	d.Unlock()
}

func TestExtendQueuesDiskRewrite(t *testing.T) {
	d, _ := newTestDict(t, 64*1024)
	key := cachekey.New([]byte("hot"))

	d.Lock()
	defer d.Unlock()
	e, err := d.Set(key, &Rule{TTL: 60}, 1)
	require.NoError(t, err)
	e.State = StateValid
	e.CTime = 1_000_000
	e.Expire = 1_060
	e.Extend = [4]uint8{10, 10, 10, 50}
	e.Access = [4]uint64{1, 2, 3, 4}
	e.Disk = "/tmp/any-cache/hot"

	require.Same(t, e, d.Get(key, 1_061_000))
	assert.Equal(t, []Extension{{Path: "/tmp/any-cache/hot", Expire: 1_120}}, d.DrainExtended())
	assert.Nil(t, d.DrainExtended())
}

func TestRecordAccessBuckets(t *testing.T) {
	base := func() *Entry {
		return &Entry{
			CTime:  1_000_000,
			TTL:    60,
			Expire: 1_000 + 60,
			Extend: [4]uint8{10, 10, 10, 10},
		}
	}

	cases := []struct {
		name    string
		elapsed uint64
		bucket  int
	}{
		{"early", 3_000, 0},
		{"outer zone", 43_000, 1},
		{"inner zone", 51_000, 2},
		{"near expiry", 57_000, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := base()
			e.RecordAccess(e.CTime + tc.elapsed)
			assert.Equal(t, uint64(1), e.Access[tc.bucket])
			assert.Equal(t, e.CTime+tc.elapsed, e.ATime)
		})
	}

	disabled := base()
	disabled.Extend[0] = ExtendDisabled
	disabled.RecordAccess(disabled.CTime + 57_000)
	assert.Equal(t, [4]uint64{1, 0, 0, 0}, disabled.Access)

	forever := base()
	forever.Expire = 0
	forever.RecordAccess(forever.CTime + 57_000)
	assert.Equal(t, [4]uint64{1, 0, 0, 0}, forever.Access)
}

func TestTryExtend(t *testing.T) {
	e := &Entry{
		CTime:  1_000_000,
		TTL:    60,
		Expire: 1_060,
		Extend: [4]uint8{10, 10, 10, 50},
		Access: [4]uint64{1, 2, 3, 4},
	}
	assert.True(t, e.TryExtend(1_061_000))
	assert.Equal(t, uint64(1_120), e.Expire)
	assert.Equal(t, uint8(1), e.Extended)

	cold := &Entry{TTL: 60, Expire: 1_060, Extend: [4]uint8{10, 10, 10, 50}, Access: [4]uint64{4, 3, 2, 1}}
	assert.False(t, cold.TryExtend(1_061_000))

	late := &Entry{TTL: 60, Expire: 1_060, Extend: [4]uint8{10, 10, 10, 50}, Access: [4]uint64{1, 2, 3, 4}}
	assert.False(t, late.TryExtend(1_100_000), "outside the grace window")
}

func TestPackTTL(t *testing.T) {
	packed := PackTTL(60, [4]uint8{10, 20, 30, 40})
	assert.Equal(t, uint64(60)<<32|uint64(40)<<24|uint64(30)<<16|uint64(20)<<8|10, packed)
	ttl, ext := UnpackTTL(packed)
	assert.Equal(t, uint32(60), ttl)
	assert.Equal(t, [4]uint8{10, 20, 30, 40}, ext)
}
