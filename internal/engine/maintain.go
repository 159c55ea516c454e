package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/disk"
	"github.com/any-hub/any-cache/internal/ring"
)

// CleanDictStep 推进一步索引清理，返回是否移除了条目。
func (e *Engine) CleanDictStep() bool {
	e.dict.Lock()
	removed := e.dict.Cleanup(e.nowMS())
	e.unlockDict()
	if removed {
		e.metrics.reclaim("dict")
	}
	return removed
}

// CleanDataStep 推进一步 ring 回收。
func (e *Engine) CleanDataStep() bool {
	if e.ring.Cleanup() {
		e.metrics.reclaim("data")
		return true
	}
	return false
}

// RingPressure 返回 ring 链数量与失效压力。
func (e *Engine) RingPressure() (count, ratio int) {
	st := e.ring.Stats()
	return st.Count, ring.Pressure(st.Count, st.Invalid)
}

// CleanDiskStep 检查下一个磁盘文件，返回 false 表示本轮扫描结束或未启用磁盘。
func (e *Engine) CleanDiskStep() bool {
	if e.disk == nil {
		return false
	}
	removed, more := e.disk.CleanupStep(e.nowMS() / 1000)
	if removed {
		e.metrics.reclaim("disk")
	}
	return more
}

// LoadDiskStep 把下一个磁盘文件重新登记到索引，全部完成后返回 false。
func (e *Engine) LoadDiskStep() bool {
	if e.disk == nil || e.disk.Loaded() {
		return false
	}
	more := e.disk.LoadStep(e.nowMS()/1000, e.loadRecord)
	if !more {
		e.logger.WithFields(logrus.Fields{
			"engine":  e.name,
			"entries": e.dict.Len(),
		}).Info("disk load completed")
	}
	return more
}

func (e *Engine) loadRecord(rec disk.Record) {
	ttl, extend := dict.UnpackTTL(rec.Meta.TTL)

	e.dict.Lock()
	defer e.unlockDict()

	if e.dict.Get(rec.Key, e.nowMS()) != nil {
		return
	}
	entry, err := e.dict.Set(rec.Key, nil, e.pid)
	if err != nil {
		e.warnf(logrus.Fields{"path": rec.Path}, "load disk entry: %v", err)
		return
	}
	entry.CTime = rec.Meta.CTime
	entry.ATime = rec.Meta.CTime
	entry.TTL = ttl
	entry.Extend = extend
	entry.Expire = rec.Meta.Expire
	entry.HeaderLen = rec.Meta.HeaderLen
	entry.PayloadLen = rec.Meta.PayloadLen
	entry.ETag = rec.ETag
	entry.LastModified = rec.LastModified
	entry.Disk = rec.Path
	entry.State = dict.StateValid
}

// SaveDiskStep 把下一条 sync 规则下仅存于内存的 VALID 条目写入磁盘。
// 返回 false 表示本轮没有剩余待同步条目。
func (e *Engine) SaveDiskStep() bool {
	if e.disk == nil {
		return false
	}

	e.dict.Lock()
	var target *dict.Entry
	visit := func(entry *dict.Entry) bool {
		if !e.saverFrom.IsZero() && entry.Key.Equal(e.saverFrom) {
			return true
		}
		if needsSync(entry) {
			target = entry
			return false
		}
		return true
	}
	if e.saverFrom.IsZero() {
		e.dict.Ascend(visit)
	} else {
		e.dict.AscendFrom(e.saverFrom, visit)
	}
	if target == nil {
		e.saverFrom = cachekey.Key{}
		e.dict.Unlock()
		return false
	}

	key := cachekey.Key{Data: append([]byte(nil), target.Key.Data...), Hash: target.Key.Hash}
	e.saverFrom = key
	data := target.Ring
	lease := e.ring.Attach(data)
	snap := *target
	e.dict.Unlock()

	if lease == nil {
		return true
	}
	path, err := e.persist(key, lease, &snap)
	lease.Release()
	if err != nil {
		e.warnf(logrus.Fields{"key": key.String()}, "sync to disk failed: %v", err)
		return true
	}

	e.dict.Lock()
	if target.State == dict.StateValid && target.Ring == data && target.Disk == "" {
		target.Disk = path
	} else {
		e.dict.Schedule(path)
	}
	e.unlockDict()
	return true
}

func needsSync(entry *dict.Entry) bool {
	return entry.State == dict.StateValid &&
		entry.Ring != nil &&
		entry.Disk == "" &&
		entry.Rule != nil &&
		entry.Rule.Disk == dict.DiskSync
}

// persist 按捕获时的布局把一条 ring 链写成磁盘文件。
func (e *Engine) persist(key cachekey.Key, lease *ring.Lease, snap *dict.Entry) (string, error) {
	s, err := e.disk.Init(key, dict.PackTTL(snap.TTL, snap.Extend), snap.ETag, snap.LastModified)
	if err != nil {
		return "", err
	}

	inHeader := true
	for cur := lease.Data().Cursor(); !cur.Done(); {
		blk, err := cur.Block()
		if err != nil {
			s.Abort()
			return "", err
		}
		switch {
		case inHeader:
			err = s.AddHeader(blk)
			inHeader = blk.Type() != chunk.TypeEOH
		case blk.Type() == chunk.TypeData:
			err = s.AddPayload(blk.Data)
		default:
			err = s.AddBlock(blk)
		}
		if err == nil {
			err = cur.Next()
		}
		if err != nil {
			s.Abort()
			return "", err
		}
	}
	return s.End(snap.CTime, snap.Expire)
}
