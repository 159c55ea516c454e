// Package dict is the keyed index shared by every request of one engine. It
// is the single source of truth for entry lifecycle state, TTL and access
// bookkeeping. Entries are ordered by key hash in a btree so housekeeping can
// walk them incrementally with a resumable cursor, and each entry's key bytes
// are charged to the engine's shared segment so a full segment makes Set fail.
//
// All methods except Lock/Unlock, Len and Stats expect the caller to hold the
// lock. The lock only ever covers in-memory bookkeeping; files scheduled for
// removal are queued and handed back through Drain, and extended expiries
// through DrainExtended, so callers can touch the files after unlocking.
package dict

import (
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/ring"
	"github.com/any-hub/any-cache/internal/shm"
)

// entryOverhead 是每个条目在共享段中的固定记账字节数。
const entryOverhead = 128

// ErrNoRoom 表示共享段已满，无法再创建条目。
var ErrNoRoom = errors.New("dict: no room")

// Dict 是带锁的有序索引。
type Dict struct {
	mu    sync.Mutex
	tree  *btree.BTree
	seg   *shm.Segment
	ring  *ring.Store
	trash    []string
	extended []Extension

	cursor    searchKey
	hasCursor bool
}

// Stats 是索引的计数快照。
type Stats struct {
	Entries int `json:"entries"`
	Valid   int `json:"valid"`
	Init    int `json:"init"`
	Invalid int `json:"invalid"`
}

// Extension 记录一次顺延：磁盘文件 meta 中的过期时间需要改写为 Expire。
type Extension struct {
	Path   string
	Expire uint64
}

// New 构建索引；ring 用于在条目淘汰时退役其内存链。
func New(seg *shm.Segment, r *ring.Store) *Dict {
	return &Dict{
		tree: btree.New(32),
		seg:  seg,
		ring: r,
	}
}

func (d *Dict) Lock() {
	d.mu.Lock()
}

func (d *Dict) Unlock() {
	d.mu.Unlock()
}

// Get 返回 key 对应的存活条目。已过期的 VALID 条目会先尝试延长，否则按 Delete 处理；
// 已过期的 UPDATE 条目只退役旧副本，保留给正在写入的新副本。INVALID 条目视为不存在。
func (d *Dict) Get(key cachekey.Key, nowMS uint64) *Entry {
	e := d.lookup(key)
	if e == nil {
		return nil
	}
	if e.Expired(nowMS) && !d.extend(e, nowMS) {
		switch e.State {
		case StateValid:
			d.Delete(e)
		case StateUpdate:
			d.retire(e)
		}
	}
	if e.State == StateInvalid {
		return nil
	}
	return e
}

// Lookup 返回 key 对应的条目，不论状态，也不做过期处理。
func (d *Dict) Lookup(key cachekey.Key) *Entry {
	return d.lookup(key)
}

func (d *Dict) lookup(key cachekey.Key) *Entry {
	item := d.tree.Get(searchKey{hash: key.Hash, data: key.Data})
	if item == nil {
		return nil
	}
	return item.(*Entry)
}

// Set 为 key 创建 INIT 条目；已存在且没有写者的失效记录会被替换。段空间不足时返回 ErrNoRoom。
func (d *Dict) Set(key cachekey.Key, rule *Rule, pid int) (*Entry, error) {
	if old := d.lookup(key); old != nil {
		if old.State != StateInvalid || old.Writers > 0 {
			return nil, errors.New("dict: entry exists")
		}
		d.remove(old)
	}

	ref, err := d.seg.Alloc(entryOverhead + len(key.Data))
	if err != nil {
		return nil, ErrNoRoom
	}
	buf, err := d.seg.Bytes(ref)
	if err != nil {
		return nil, err
	}
	n := copy(buf, key.Data)

	e := &Entry{
		Key:    cachekey.Key{Data: buf[:n:n], Hash: key.Hash},
		State:  StateInit,
		Rule:   rule,
		PID:    pid,
		keyRef: ref,
	}
	if rule != nil {
		e.TTL = rule.TTL
		e.Extend = rule.Extend
	}
	d.tree.ReplaceOrInsert(e)
	return e, nil
}

// Invalidate 将条目置为 INVALID 并退役其存储；磁盘文件进入待删除队列。
func (d *Dict) Invalidate(e *Entry) {
	d.invalidate(e)
}

// Delete 让条目失效；没有写者时直接移出索引，key 可以立即重新创建。
// 失败的写入只走 Invalidate，失效记录保留到 Cleanup，期间 cache 模式的新写入一律旁路。
func (d *Dict) Delete(e *Entry) {
	d.invalidate(e)
	if e.Writers == 0 && !e.keyRef.IsZero() {
		d.remove(e)
	}
}

func (d *Dict) invalidate(e *Entry) {
	e.State = StateInvalid
	e.Expire = 0
	d.retire(e)
}

// retire 退役条目持有的 ring 链与磁盘文件。
func (d *Dict) retire(e *Entry) {
	if e.Ring != nil {
		d.ring.Invalidate(e.Ring)
		e.Ring = nil
	}
	if e.Disk != "" {
		d.trash = append(d.trash, e.Disk)
		e.Disk = ""
	}
}

// extend 尝试顺延条目；带磁盘文件的条目登记一次 meta 改写。
func (d *Dict) extend(e *Entry, nowMS uint64) bool {
	if e.State != StateValid && e.State != StateUpdate {
		return false
	}
	if !e.TryExtend(nowMS) {
		return false
	}
	if e.Disk != "" {
		d.extended = append(d.extended, Extension{Path: e.Disk, Expire: e.Expire})
	}
	return true
}

func (d *Dict) remove(e *Entry) {
	d.retire(e)
	d.tree.Delete(e)
	_ = d.seg.Free(e.keyRef)
	e.keyRef = shm.Ref{}
}

// Cleanup 推进一步清理游标：移除没有写者的 INVALID 条目，以及已过期且无法顺延的 VALID 条目。
// INIT 与 UPDATE 条目仍有写者持有，从不移除。返回是否移除了条目。
func (d *Dict) Cleanup(nowMS uint64) bool {
	if d.tree.Len() == 0 {
		d.hasCursor = false
		return false
	}

	var target *Entry
	visit := func(item btree.Item) bool {
		e := item.(*Entry)
		if d.hasCursor && compare(e.Key.Hash, e.Key.Data, d.cursor) == 0 {
			return true
		}
		target = e
		return false
	}
	if d.hasCursor {
		d.tree.AscendGreaterOrEqual(d.cursor, visit)
	}
	if target == nil {
		d.hasCursor = false
		d.tree.Ascend(visit)
	}
	if target == nil {
		return false
	}

	d.cursor = searchKey{hash: target.Key.Hash, data: append([]byte(nil), target.Key.Data...)}
	d.hasCursor = true

	if target.Writers > 0 {
		return false
	}
	switch {
	case target.State == StateInvalid:
	case target.State == StateValid && target.Expired(nowMS) && !d.extend(target, nowMS):
	default:
		return false
	}
	d.remove(target)
	return true
}

// Ascend 按 key 顺序遍历条目，fn 返回 false 时停止。
func (d *Dict) Ascend(fn func(e *Entry) bool) {
	d.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*Entry))
	})
}

// AscendFrom 从 key（含）开始遍历。
func (d *Dict) AscendFrom(key cachekey.Key, fn func(e *Entry) bool) {
	d.tree.AscendGreaterOrEqual(searchKey{hash: key.Hash, data: key.Data}, func(item btree.Item) bool {
		return fn(item.(*Entry))
	})
}

// Drain 取出待删除的磁盘文件路径。
func (d *Dict) Drain() []string {
	if len(d.trash) == 0 {
		return nil
	}
	out := d.trash
	d.trash = nil
	return out
}

// DrainExtended 取出待改写 meta 的顺延记录。
func (d *Dict) DrainExtended() []Extension {
	if len(d.extended) == 0 {
		return nil
	}
	out := d.extended
	d.extended = nil
	return out
}

// Schedule 将路径加入待删除队列。
func (d *Dict) Schedule(path string) {
	if path != "" {
		d.trash = append(d.trash, path)
	}
}

// Len 返回条目数量，自行加锁。
func (d *Dict) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Len()
}

// Stats 自行加锁统计各状态条目数。
func (d *Dict) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{Entries: d.tree.Len()}
	d.tree.Ascend(func(item btree.Item) bool {
		switch item.(*Entry).State {
		case StateValid, StateUpdate:
			st.Valid++
		case StateInit:
			st.Init++
		case StateInvalid:
			st.Invalid++
		}
		return true
	})
	return st
}
