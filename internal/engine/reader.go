package engine

import (
	"fmt"
	"io"

	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/disk"
	"github.com/any-hub/any-cache/internal/ring"
)

// Sink 是传输层的输出端。Put 返回前必须消费完 blk.Data，读者不会保留其所有权。
type Sink interface {
	// Room 返回当前可接收的字节数，为 0 时读者挂起。
	Room() int
	Put(blk chunk.Block) error
	// ShutRead 通知传输层读端已关闭。
	ShutRead()
	// DrainRequest 丢弃尚未读取的请求体。
	DrainRequest()
}

// Reader 是命中后的回放状态机。Step 在没有空间时返回 done=false，
// 调用方待空间可用后再次调用。
type Reader interface {
	Step(sink Sink) (done bool, err error)
	// Close 释放读者持有的资源，可重复调用。
	Close()
}

// MemoryReader 顺序回放一条 ring 链。
type MemoryReader struct {
	lease  *ring.Lease
	cursor *ring.Cursor
	done   bool
}

func newMemoryReader(lease *ring.Lease) *MemoryReader {
	return &MemoryReader{lease: lease, cursor: lease.Data().Cursor()}
}

func (r *MemoryReader) Step(sink Sink) (bool, error) {
	if r.done {
		return true, nil
	}
	for !r.cursor.Done() {
		if sink.Room() <= 0 {
			return false, nil
		}
		blk, err := r.cursor.Block()
		if err == nil {
			err = sink.Put(blk)
		}
		if err == nil {
			err = r.cursor.Next()
		}
		if err != nil {
			r.Close()
			sink.ShutRead()
			return true, err
		}
	}

	if err := sink.Put(chunk.Marker(chunk.TypeEOM)); err != nil {
		r.Close()
		sink.ShutRead()
		return true, err
	}
	sink.ShutRead()
	sink.DrainRequest()
	r.Close()
	return true, nil
}

func (r *MemoryReader) Close() {
	r.done = true
	r.lease.Release()
}

type diskState uint8

const (
	diskHeader diskState = iota
	diskPayload
	diskEOP
	diskEnd
	diskDone
	diskError
)

// DiskReader 以定位读回放一个缓存文件：
// HEADER → PAYLOAD → EOP → END → DONE，任一步出错进入 ERROR。
// 能继续推进时在同一次 Step 内级联，只在 sink 没有空间时挂起。
type DiskReader struct {
	file      *disk.File
	state     diskState
	offset    int64
	headerLen uint64
	remaining uint64
	buf       []byte
	err       error
}

func newDiskReader(file *disk.File, headerLen, payloadLen uint64) *DiskReader {
	return &DiskReader{
		file:      file,
		offset:    int64(file.Meta.HeaderPos),
		headerLen: headerLen,
		remaining: payloadLen,
	}
}

func (r *DiskReader) fail(err error) {
	r.err = err
	r.state = diskError
}

func (r *DiskReader) Step(sink Sink) (bool, error) {
	for {
		switch r.state {
		case diskHeader:
			if sink.Room() <= 0 {
				return false, nil
			}
			head := make([]byte, r.headerLen)
			if n, err := r.file.ReadAt(head, r.offset); n != len(head) {
				r.fail(fmt.Errorf("disk reader: short header read %d/%d: %v", n, len(head), err))
				continue
			}
			blocks, err := chunk.DecodeStream(head)
			if err != nil {
				r.fail(err)
				continue
			}
			if err := putAll(sink, blocks); err != nil {
				r.fail(err)
				continue
			}
			r.offset += int64(r.headerLen)
			r.state = diskPayload

		case diskPayload:
			if r.remaining == 0 {
				r.state = diskEOP
				continue
			}
			room := sink.Room()
			if room <= 0 {
				return false, nil
			}
			n := uint64(room)
			if n > r.remaining {
				n = r.remaining
			}
			if uint64(cap(r.buf)) < n {
				r.buf = make([]byte, n)
			}
			got, err := r.file.ReadAt(r.buf[:n], r.offset)
			if got <= 0 {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				r.fail(err)
				continue
			}
			if err := sink.Put(chunk.Data(r.buf[:got])); err != nil {
				r.fail(err)
				continue
			}
			r.remaining -= uint64(got)
			r.offset += int64(got)
			if r.remaining == 0 {
				r.state = diskEOP
				continue
			}
			return false, nil

		case diskEOP:
			tail, err := r.file.ReadTail(r.offset)
			if err != nil {
				r.fail(err)
				continue
			}
			blocks, err := chunk.DecodeStream(tail)
			if err == nil {
				err = putAll(sink, blocks)
			}
			if err != nil {
				r.fail(err)
				continue
			}
			r.offset += int64(len(tail))
			r.state = diskEnd

		case diskEnd:
			if err := sink.Put(chunk.Marker(chunk.TypeEOM)); err != nil {
				r.fail(err)
				continue
			}
			r.state = diskDone

		case diskDone:
			sink.ShutRead()
			sink.DrainRequest()
			r.Close()
			return true, nil

		case diskError:
			r.Close()
			sink.ShutRead()
			return true, r.err
		}
	}
}

func (r *DiskReader) Close() {
	r.file.Close()
}

func putAll(sink Sink, blocks []chunk.Block) error {
	for _, b := range blocks {
		if err := sink.Put(b); err != nil {
			return err
		}
	}
	return nil
}
