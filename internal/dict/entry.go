package dict

import (
	"bytes"

	"github.com/google/btree"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/ring"
	"github.com/any-hub/any-cache/internal/shm"
)

// State 是条目生命周期状态。
type State uint8

const (
	StateInit State = iota
	StateValid
	StateUpdate
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateValid:
		return "VALID"
	case StateUpdate:
		return "UPDATE"
	case StateInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// Entry 是索引中的一条记录，除 Key 外的字段只能在持有 Dict 锁时读写。
type Entry struct {
	Key   cachekey.Key
	State State

	CTime  uint64 // ms
	ATime  uint64 // ms
	TTL    uint32 // s
	Expire uint64 // s，0 表示永不过期

	Extended uint8
	Extend   [4]uint8
	Access   [4]uint64

	HeaderLen    uint64
	PayloadLen   uint64
	ETag         string
	LastModified string

	Ring *ring.Data
	Disk string

	Rule *Rule
	PID  int

	// Writers 是仍持有该条目、尚未 Finish/Abort 的写入上下文数量。
	Writers int

	keyRef shm.Ref
}

// Valid 表示条目可被读取（VALID，或 nosql 模式下的 UPDATE）。
func (e *Entry) Valid(allowUpdate bool) bool {
	return e.State == StateValid || (allowUpdate && e.State == StateUpdate)
}

// Expired 按秒级时间判断是否过期。
func (e *Entry) Expired(nowMS uint64) bool {
	return e.Expire != 0 && e.Expire <= nowMS/1000
}

// RecordAccess 更新 atime 并把本次访问计入对应的剩余寿命区间。
//
// 区间由 extend[0..2] 划分：窗口已过去的百分比 pct 小于 100-e0-e1-e2 计入 access[0]，
// 小于 100-e1-e2 计入 access[1]，小于 100-e2 计入 access[2]，其余计入 access[3]。
func (e *Entry) RecordAccess(nowMS uint64) {
	e.ATime = nowMS

	if e.Expire == 0 || e.Extend[0] == ExtendDisabled || e.TTL == 0 {
		e.Access[0]++
		return
	}

	stime := e.CTime + uint64(e.TTL)*uint64(e.Extended)*1000
	var diff int64
	if nowMS > stime {
		diff = int64(nowMS - stime)
	}
	pct := diff / int64(e.TTL) / 10

	e0, e1, e2 := int64(e.Extend[0]), int64(e.Extend[1]), int64(e.Extend[2])
	switch {
	case pct < 100-e0-e1-e2:
		e.Access[0]++
	case pct < 100-e1-e2:
		e.Access[1]++
	case pct < 100-e2:
		e.Access[2]++
	default:
		e.Access[3]++
	}
}

// TryExtend 在条目刚过期、仍处于 extend[3]% 宽限窗口内且访问集中在临近过期区间时，
// 将 expire 顺延一个 ttl。返回是否延长。
func (e *Entry) TryExtend(nowMS uint64) bool {
	if e.Expire == 0 || e.Extend[0] == ExtendDisabled || e.TTL == 0 || e.Extended == 0xFF {
		return false
	}
	limit := e.Expire*1000 + uint64(e.TTL)*1000*uint64(e.Extend[3])/100
	if nowMS > limit {
		return false
	}
	if !(e.Access[3] > e.Access[2] && e.Access[2] > e.Access[1]) {
		return false
	}
	e.Extended++
	e.Expire += uint64(e.TTL)
	e.Access = [4]uint64{}
	return true
}

// Less 实现 btree.Item：先按哈希，再按 key 字节排序。
func (e *Entry) Less(than btree.Item) bool {
	return compare(e.Key.Hash, e.Key.Data, than) < 0
}

// searchKey 是查找/游标用的轻量 key。
type searchKey struct {
	hash uint64
	data []byte
}

func (p searchKey) Less(than btree.Item) bool {
	return compare(p.hash, p.data, than) < 0
}

func compare(hash uint64, data []byte, than btree.Item) int {
	var oh uint64
	var od []byte
	switch o := than.(type) {
	case *Entry:
		oh, od = o.Key.Hash, o.Key.Data
	case searchKey:
		oh, od = o.hash, o.data
	}
	switch {
	case hash < oh:
		return -1
	case hash > oh:
		return 1
	}
	return bytes.Compare(data, od)
}
