package engine

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/disk"
	"github.com/any-hub/any-cache/internal/shm"
)

// Exists 查询上下文 key 的缓存状态。
//
// 命中内存时上下文持有 ring 租约；命中磁盘时持有已通过 key 校验的文件。
// 内存与磁盘各只检查一次，同一上下文重复调用不会重复查找。
func (e *Engine) Exists(c *Ctx) State {
	nosql := e.mode == ModeNoSQL
	now := e.nowMS()
	ret := StateInit

	var entry *dict.Entry
	var path string

	if !c.memChecked {
		c.memChecked = true

		e.dict.Lock()
		entry = e.dict.Get(c.Key, now)
		if entry != nil {
			switch {
			case entry.Valid(nosql):
				if entry.Ring != nil {
					if lease := e.ring.Attach(entry.Ring); lease != nil {
						c.lease = lease
						ret = StateHitMemory
					}
				}
				if ret == StateInit && entry.Disk != "" {
					path = entry.Disk
					ret = StateHitDisk
				}
				if ret != StateInit {
					c.HeaderLen = entry.HeaderLen
					c.PayloadLen = entry.PayloadLen
					c.ETag = entry.ETag
					c.LastModified = entry.LastModified
					entry.RecordAccess(now)
				}
			case entry.State == dict.StateInit && !nosql:
				ret = StateWait
			}
		}
		e.unlockDict()
	}

	if ret == StateInit && e.disk != nil && !c.Rule.DiskOff() && !e.disk.Loaded() {
		ret = StateCheckDisk
	}

	switch ret {
	case StateHitDisk:
		if !c.diskChecked {
			c.diskChecked = true
			if !e.openEntryFile(c, entry, path) {
				ret = StateInit
			}
		}
	case StateCheckDisk:
		ret = StateInit
		if !c.diskChecked {
			c.diskChecked = true
			if e.scanDisk(c, now) {
				ret = StateHitDisk
			}
		}
	}

	c.State = ret
	e.metrics.lookup(ret)
	return ret
}

// openEntryFile 打开索引中记录的文件并校验其归属；失败时让仍指向该文件的条目失效。
func (e *Engine) openEntryFile(c *Ctx, entry *dict.Entry, path string) bool {
	file, err := disk.Open(path)
	if err == nil {
		err = disk.Valid(file, c.Key)
	}
	if err == nil {
		c.file = file
		return true
	}
	file.Close()

	e.warnf(logrus.Fields{"key": c.Key.String(), "path": path}, "disk entry failed validation: %v", err)
	e.dict.Lock()
	if entry.State == dict.StateValid && entry.Disk == path {
		e.dict.Invalidate(entry)
	}
	e.unlockDict()
	return false
}

// scanDisk 在重载完成前直接查找分片目录，命中时从 meta 恢复响应信息，不创建索引条目。
func (e *Engine) scanDisk(c *Ctx, nowMS uint64) bool {
	file, err := e.disk.Exists(c.Key, nowMS/1000)
	if err != nil {
		return false
	}
	etag, err := file.ETag()
	if err == nil {
		c.LastModified, err = file.LastModified()
	}
	if err != nil {
		file.Close()
		return false
	}
	c.file = file
	c.ETag = etag
	c.HeaderLen = file.Meta.HeaderLen
	c.PayloadLen = file.Meta.PayloadLen
	return true
}

// Create 为 key 申请条目并立即写入已解析的响应头。
//
// cache 模式下已有条目（任意状态，包括等待清理的 INVALID）一律 BYPASS，先到的写者独占；
// 索引空间不足同样 BYPASS。
// nosql 模式见 createNoSQL。
func (e *Engine) Create(c *Ctx, msg *chunk.Message) State {
	if e.mode == ModeNoSQL {
		return e.createNoSQL(c, msg)
	}

	now := e.now()
	e.dict.Lock()
	if e.dict.Lookup(c.Key) != nil {
		e.unlockDict()
		return e.settle(c, StateBypass, "bypass")
	}
	entry, err := e.dict.Set(c.Key, c.Rule, e.pid)
	if err == nil {
		entry.Writers++
	}
	e.unlockDict()
	if err != nil {
		e.warnf(logrus.Fields{"key": c.Key.String()}, "dict set failed: %v", err)
		return e.settle(c, StateBypass, "full")
	}

	c.entry = entry
	c.State = StateCreate

	if c.ETag, err = BuildETag(msg, c.Rule, now); err == nil {
		c.LastModified, err = BuildLastModified(msg, c.Rule, now)
	}
	if err != nil {
		e.Abort(c)
		return e.settle(c, StateBypass, "bypass")
	}

	e.openStores(c)
	e.storeHeader(c, msg.Head())
	return e.settle(c, StateCreate, "create")
}

// createNoSQL 处理 nosql 写入：已有条目进入 UPDATE 并并行写入新副本，
// 旧副本在 Finish 时退役；索引空间不足返回 FULL。
func (e *Engine) createNoSQL(c *Ctx, req *chunk.Message) State {
	header, err := nosqlHeader(req)
	if err != nil {
		return e.settle(c, StateFull, "full")
	}

	state := StateCreate
	e.dict.Lock()
	entry := e.dict.Get(c.Key, e.nowMS())
	if entry == nil {
		// 失效但仍有写者的条目不能被替换，新写者加入其中。
		if old := e.dict.Lookup(c.Key); old != nil && old.Writers > 0 {
			entry = old
		}
	}
	if entry != nil {
		if entry.State == dict.StateValid {
			entry.State = dict.StateUpdate
		}
		state = StateUpdate
	} else if entry, err = e.dict.Set(c.Key, c.Rule, e.pid); err != nil {
		state = StateFull
	}
	if state != StateFull {
		entry.Writers++
	}
	e.unlockDict()

	if state == StateFull {
		e.warnf(logrus.Fields{"key": c.Key.String()}, "dict set failed: %v", err)
		return e.settle(c, StateFull, "full")
	}

	c.entry = entry
	c.chunked = req.Chunked
	c.State = state
	e.openStores(c)
	e.storeHeader(c, header)
	if state == StateUpdate {
		return e.settle(c, state, "update")
	}
	return e.settle(c, state, "create")
}

func (e *Engine) openStores(c *Ctx) {
	if c.Rule.MemoryOn() {
		c.ringData = e.ring.Init()
		c.ringTail = shm.Ref{}
	}
	if c.Rule.DiskOn() && e.disk != nil {
		s, err := e.disk.Init(c.Key, c.Rule.PackedTTL(), c.ETag, c.LastModified)
		if err != nil {
			e.warnf(logrus.Fields{"key": c.Key.String()}, "disk store init failed: %v", err)
			return
		}
		c.session = s
	}
}

func (e *Engine) storeHeader(c *Ctx, blocks []chunk.Block) {
	for _, blk := range blocks {
		c.HeaderLen += uint64(blk.Encoded())
		e.ringAdd(c, blk)
		e.diskAdd(c, func(s *disk.Session) error { return s.AddHeader(blk) })
	}
}

// ringAdd 追加失败时放弃本条目的内存存储，不影响磁盘写入。
func (e *Engine) ringAdd(c *Ctx, blk chunk.Block) {
	if c.ringData == nil {
		return
	}
	if err := e.ring.AddBlock(c.ringData, &c.ringTail, blk); err != nil {
		if isNoRoom(err) {
			c.full = true
		}
		e.ring.Abort(c.ringData)
		c.ringData = nil
		e.warnf(logrus.Fields{"key": c.Key.String()}, "drop memory store: %v", err)
	}
}

// diskAdd 写入失败时放弃本条目的磁盘存储，不影响内存写入。
func (e *Engine) diskAdd(c *Ctx, fn func(s *disk.Session) error) {
	if c.session == nil {
		return
	}
	if err := fn(c.session); err != nil {
		c.session.Abort()
		c.session = nil
		e.warnf(logrus.Fields{"key": c.Key.String()}, "drop disk store: %v", err)
	}
}

// Update 从消息的 offset 处开始追加最多 length 字节的消息体，返回可以转发的字节数。
// DATA 负载按原样写入，trailer 与 EOT 连同描述字写入，EOM 只计入转发量。
func (e *Engine) Update(c *Ctx, msg *chunk.Message, offset, length int) int {
	if !c.State.Writing() {
		return 0
	}

	blocks := msg.Blocks()
	idx, inner, ok := msg.Find(offset)
	if !ok {
		return 0
	}

	forward := 0
	for ; idx < len(blocks) && length > 0; idx++ {
		blk := blocks[idx]
		switch blk.Type() {
		case chunk.TypeData:
			p := blk.Data[inner:]
			if len(p) > length {
				p = p[:length]
			}
			c.PayloadLen += uint64(len(p))
			forward += len(p)
			length -= len(p)
			e.ringAdd(c, chunk.Data(p))
			e.diskAdd(c, func(s *disk.Session) error { return s.AddPayload(p) })
		case chunk.TypeTrailer, chunk.TypeEOT:
			forward += blk.Size()
			length -= blk.Size()
			e.ringAdd(c, blk)
			e.diskAdd(c, func(s *disk.Session) error { return s.AddBlock(blk) })
		default:
			forward += blk.Size() - inner
			length -= blk.Size() - inner
		}
		inner = 0
	}
	return forward
}

// Finish 发布捕获结果：至少一个存储完成时条目变为 VALID；
// nosql 覆盖写会在此退役旧副本。两个存储都失败时条目置为 INVALID。
func (e *Engine) Finish(c *Ctx) error {
	if !c.State.Writing() {
		return ErrInvalid.Here()
	}

	now := e.nowMS()
	var expire uint64
	if c.Rule.TTL != 0 {
		expire = now/1000 + uint64(c.Rule.TTL)
	}

	if e.mode == ModeNoSQL && !c.chunked {
		eot := chunk.Marker(chunk.TypeEOT)
		e.ringAdd(c, eot)
		e.diskAdd(c, func(s *disk.Session) error { return s.AddBlock(eot) })
	}

	var path string
	if c.session != nil {
		p, err := c.session.End(now, expire)
		c.session = nil
		if err != nil {
			e.warnf(logrus.Fields{"key": c.Key.String()}, "disk store end failed: %v", err)
		} else {
			path = p
		}
	}

	e.dict.Lock()
	entry := c.entry
	entry.Writers--
	// nosql 的写入总是以最后完成者为准，即使条目期间被并发写者或删除置为 INVALID。
	live := entry.State != dict.StateInvalid || e.mode == ModeNoSQL
	published := live && (c.ringData != nil || path != "")
	if published {
		if entry.Ring != nil {
			e.ring.Invalidate(entry.Ring)
			entry.Ring = nil
		}
		if entry.Disk != "" {
			e.dict.Schedule(entry.Disk)
			entry.Disk = ""
		}
		entry.CTime = now
		entry.TTL = c.Rule.TTL
		entry.Extend = c.Rule.Extend
		entry.Extended = 0
		entry.Access = [4]uint64{}
		entry.Expire = expire
		entry.HeaderLen = c.HeaderLen
		entry.PayloadLen = c.PayloadLen
		entry.ETag = c.ETag
		entry.LastModified = c.LastModified
		entry.Rule = c.Rule
		entry.Ring = c.ringData
		entry.Disk = path
		entry.State = dict.StateValid
	} else if entry.State != dict.StateInvalid {
		e.dict.Invalidate(entry)
	}
	e.unlockDict()

	if !published {
		if c.ringData != nil {
			e.ring.Abort(c.ringData)
		}
		if path != "" {
			_ = disk.Remove(path)
		}
		c.ringData = nil
		if c.full {
			e.settle(c, StateFull, "full")
			return ErrFull.Here()
		}
		e.settle(c, StateInvalid, "invalid")
		return ErrInvalid.Here()
	}

	c.ringData = nil
	e.settle(c, StateDone, "done")
	return nil
}

// Abort 丢弃未完成的写入并让条目失效，只对正在写入的上下文生效。
func (e *Engine) Abort(c *Ctx) {
	if !c.State.Writing() {
		return
	}
	if c.ringData != nil {
		e.ring.Abort(c.ringData)
		c.ringData = nil
	}
	if c.session != nil {
		c.session.Abort()
		c.session = nil
	}

	e.dict.Lock()
	if c.entry != nil {
		c.entry.Writers--
		if c.entry.State != dict.StateInvalid {
			e.dict.Invalidate(c.entry)
		}
	}
	e.unlockDict()

	e.settle(c, StateInvalid, "abort")
}

// Delete 让 key 对应的 VALID/UPDATE 条目失效并删除其存储，没有写者时条目直接移出索引。
// 磁盘重载尚未完成时，还会扫描分片目录删除未进入索引的文件。
func (e *Engine) Delete(key cachekey.Key) error {
	found := false

	e.dict.Lock()
	if entry := e.dict.Get(key, e.nowMS()); entry != nil && entry.Valid(true) {
		e.dict.Delete(entry)
		found = true
	}
	e.unlockDict()

	if e.disk != nil && !e.disk.Loaded() {
		switch err := e.disk.PurgeByKey(key); {
		case err == nil:
			found = true
		case !errors.Is(err, disk.ErrNotFound):
			e.warnf(logrus.Fields{"key": key.String()}, "purge by key failed: %v", err)
		}
	}

	if !found {
		return ErrNotFound.Here()
	}
	return nil
}

// Hit 把命中的上下文转换为读状态机，租约与文件的所有权随之转移。
func (e *Engine) Hit(c *Ctx) (Reader, error) {
	switch c.State {
	case StateHitMemory:
		r := newMemoryReader(c.lease)
		c.lease = nil
		return r, nil
	case StateHitDisk:
		r := newDiskReader(c.file, c.HeaderLen, c.PayloadLen)
		c.file = nil
		return r, nil
	}
	return nil, ErrNotFound.Here()
}

func (e *Engine) settle(c *Ctx, s State, outcome string) State {
	c.State = s
	e.metrics.store(outcome)
	return s
}
