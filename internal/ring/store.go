// Package ring implements the in-memory circular store: every cached entry
// owns a chain of items allocated from the engine's shared segment, and the
// chains themselves form a circular list that housekeeping sweeps to reclaim
// superseded or deleted data. Readers hold a Lease while streaming a chain,
// and a chain is never reclaimed while any lease is outstanding.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/shm"
)

// itemHeaderSize = next ref(12) + descriptor(4)。
const itemHeaderSize = 16

var (
	// ErrInvalidData 表示向已失效的链追加数据。
	ErrInvalidData = errors.New("ring: data already invalid")
	// ErrCorruptItem 表示 item 头部与分配大小不一致。
	ErrCorruptItem = errors.New("ring: corrupt item")
)

// Data 是一条 item 链的头部。
type Data struct {
	store   *Store
	next    *Data
	first   shm.Ref
	attach  atomic.Int32
	invalid atomic.Bool
	items   atomic.Int32
	bytes   atomic.Int64
}

// Invalid 报告链是否已被标记失效。
func (d *Data) Invalid() bool {
	return d.invalid.Load()
}

// Attached 返回当前读者数量。
func (d *Data) Attached() int {
	return int(d.attach.Load())
}

// Items 返回链上 item 数量。
func (d *Data) Items() int {
	return int(d.items.Load())
}

// Bytes 返回链上负载字节数（不含 item 头）。
func (d *Data) Bytes() int64 {
	return d.bytes.Load()
}

// Store 是 ring 本身：一个按创建顺序排列的循环链表。
type Store struct {
	seg *shm.Segment

	mu      sync.Mutex
	tail    *Data
	count   int
	invalid int
}

// Stats 是 ring 的计数快照。
type Stats struct {
	Count   int `json:"count"`
	Invalid int `json:"invalid"`
}

// New 基于共享段构建 ring。
func New(seg *shm.Segment) *Store {
	return &Store{seg: seg}
}

// Init 新建一条空链并挂入循环链表。
func (s *Store) Init() *Data {
	d := &Data{store: s}

	s.mu.Lock()
	if s.tail == nil {
		d.next = d
	} else {
		d.next = s.tail.next
		s.tail.next = d
	}
	s.tail = d
	s.count++
	s.mu.Unlock()

	return d
}

// Add 追加一个块到链尾；tail 由调用方持有并随每次追加前移。
// 段空间不足时返回 shm.ErrNoRoom，调用方应放弃该条目的内存存储。
func (s *Store) Add(d *Data, tail *shm.Ref, desc chunk.Descriptor, p []byte) error {
	if d.Invalid() {
		return ErrInvalidData
	}

	ref, err := s.seg.Alloc(itemHeaderSize + len(p))
	if err != nil {
		return err
	}
	buf, err := s.seg.Bytes(ref)
	if err != nil {
		return err
	}
	putRef(buf[0:12], shm.Ref{})
	desc.Encode(buf[12:16])
	copy(buf[itemHeaderSize:], p)

	if tail.IsZero() {
		d.first = ref
	} else {
		prev, err := s.seg.Bytes(*tail)
		if err != nil {
			_ = s.seg.Free(ref)
			return fmt.Errorf("ring: link tail: %w", err)
		}
		putRef(prev[0:12], ref)
	}
	*tail = ref
	d.items.Add(1)
	d.bytes.Add(int64(len(p)))
	return nil
}

// AddBlock 是 Add 的便捷形式。
func (s *Store) AddBlock(d *Data, tail *shm.Ref, blk chunk.Block) error {
	return s.Add(d, tail, blk.Desc, blk.Data)
}

// Invalidate 将链标记为失效并递增失效计数；重复调用只计数一次。
func (s *Store) Invalidate(d *Data) bool {
	if d == nil || !d.invalid.CompareAndSwap(false, true) {
		return false
	}
	s.IncrInvalid()
	return true
}

// Abort 丢弃一条未完成的链，空间由 Cleanup 回收。
func (s *Store) Abort(d *Data) {
	s.Invalidate(d)
}

// IncrInvalid 递增失效链计数。
func (s *Store) IncrInvalid() {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
}

// Attach 为读者增加引用并返回租约；读完后必须 Release。
// 链已失效时返回 nil。
func (s *Store) Attach(d *Data) *Lease {
	if d == nil {
		return nil
	}
	d.attach.Add(1)
	if d.Invalid() {
		d.attach.Add(-1)
		return nil
	}
	return &Lease{data: d}
}

// Cleanup 执行一步回收：检查最旧的一条链，失效且无读者则释放，否则前移游标。
// 返回是否回收了空间。
func (s *Store) Cleanup() bool {
	s.mu.Lock()
	if s.tail == nil {
		s.mu.Unlock()
		return false
	}

	victim := s.tail.next
	if !victim.Invalid() || victim.Attached() > 0 {
		s.tail = victim
		s.mu.Unlock()
		return false
	}

	if victim == s.tail {
		s.tail = nil
	} else {
		s.tail.next = victim.next
	}
	victim.next = nil
	s.count--
	s.invalid--
	s.mu.Unlock()

	s.release(victim)
	return true
}

// release 依次释放链上所有 item。
func (s *Store) release(d *Data) {
	ref := d.first
	d.first = shm.Ref{}
	for !ref.IsZero() {
		buf, err := s.seg.Bytes(ref)
		if err != nil {
			return
		}
		next := getRef(buf[0:12])
		_ = s.seg.Free(ref)
		ref = next
	}
}

// Ratio 返回 invalid*10/count 的整数失效压力。
func (s *Store) Ratio() int {
	st := s.Stats()
	return Pressure(st.Count, st.Invalid)
}

// Pressure 计算失效压力，count 为 0 时返回 0。
func Pressure(count, invalid int) int {
	if count <= 0 {
		return 0
	}
	return invalid * 10 / count
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Count: s.count, Invalid: s.invalid}
}

func (s *Store) Segment() *shm.Segment {
	return s.seg
}

// Cursor 顺序遍历一条链，Block 不消费当前 item，Next 才前移。
type Cursor struct {
	seg *shm.Segment
	ref shm.Ref
}

// Cursor 返回从链首开始的游标。
func (d *Data) Cursor() *Cursor {
	return &Cursor{seg: d.store.seg, ref: d.first}
}

// Done 表示链已遍历完毕。
func (c *Cursor) Done() bool {
	return c.ref.IsZero()
}

// Block 返回当前 item，负载直接引用共享段内存。
func (c *Cursor) Block() (chunk.Block, error) {
	buf, err := c.seg.Bytes(c.ref)
	if err != nil {
		return chunk.Block{}, err
	}
	desc, err := chunk.DecodeDescriptor(buf[12:16])
	if err != nil {
		return chunk.Block{}, err
	}
	size := desc.Size()
	if itemHeaderSize+size > len(buf) {
		return chunk.Block{}, ErrCorruptItem
	}
	return chunk.Block{Desc: desc, Data: buf[itemHeaderSize : itemHeaderSize+size]}, nil
}

// Next 前移到下一个 item。
func (c *Cursor) Next() error {
	buf, err := c.seg.Bytes(c.ref)
	if err != nil {
		return err
	}
	c.ref = getRef(buf[0:12])
	return nil
}

func putRef(dst []byte, ref shm.Ref) {
	binary.LittleEndian.PutUint32(dst[0:4], ref.Block)
	binary.LittleEndian.PutUint32(dst[4:8], ref.Count)
	binary.LittleEndian.PutUint32(dst[8:12], ref.Gen)
}

func getRef(src []byte) shm.Ref {
	return shm.Ref{
		Block: binary.LittleEndian.Uint32(src[0:4]),
		Count: binary.LittleEndian.Uint32(src[4:8]),
		Gen:   binary.LittleEndian.Uint32(src[8:12]),
	}
}
