package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/chunk"
)

// ErrSessionClosed 表示对已结束或已放弃的会话继续写入。
var ErrSessionClosed = errors.New("disk: session closed")

// Session 是一次捕获过程的顺序写入会话，只追加、不回读。
type Session struct {
	file *os.File
	tmp  string
	path string
	meta Meta
	off  int64
	err  error
}

// Init 在 key 的分片目录中创建临时文件并写入临时 meta、key、etag 与 last-modified。
// ttl 为打包后的 ttl<<32|extend 字。
func (s *Store) Init(key cachekey.Key, ttl uint64, etag, lastModified string) (*Session, error) {
	dir := s.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := uuid.NewString()
	f, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return nil, err
	}

	w := &Session{
		file: f,
		tmp:  f.Name(),
		path: filepath.Join(dir, name),
		meta: Meta{
			Magic:  metaMagic,
			Hash:   key.Hash,
			TTL:    ttl,
			KeyLen: uint64(len(key.Data)),
		},
	}

	pos := MetaSize + len(key.Data)
	w.meta.ETag = packProp(pos, len(etag))
	pos += len(etag)
	w.meta.LastModified = packProp(pos, len(lastModified))
	pos += len(lastModified)
	w.meta.HeaderPos = uint64(pos)

	buf, err := w.meta.encode()
	if err != nil {
		w.Abort()
		return nil, err
	}
	buf = append(buf, key.Data...)
	buf = append(buf, etag...)
	buf = append(buf, lastModified...)
	if err := w.write(buf); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *Session) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.file == nil {
		return ErrSessionClosed
	}
	n, err := w.file.WriteAt(p, w.off)
	w.off += int64(n)
	if err != nil {
		w.err = err
	}
	return err
}

// AddHeader 追加一个带描述字的 header 区块。
func (w *Session) AddHeader(blk chunk.Block) error {
	if err := w.write(blk.AppendTo(make([]byte, 0, blk.Encoded()))); err != nil {
		return err
	}
	w.meta.HeaderLen += uint64(blk.Encoded())
	return nil
}

// AddPayload 追加原始负载字节。
func (w *Session) AddPayload(p []byte) error {
	if err := w.write(p); err != nil {
		return err
	}
	w.meta.PayloadLen += uint64(len(p))
	return nil
}

// AddBlock 追加 payload 之后的 trailer/EOT 块。
func (w *Session) AddBlock(blk chunk.Block) error {
	return w.write(blk.AppendTo(make([]byte, 0, blk.Encoded())))
}

func (w *Session) HeaderLen() uint64 {
	return w.meta.HeaderLen
}

func (w *Session) PayloadLen() uint64 {
	return w.meta.PayloadLen
}

// End 回写最终 meta 并把临时文件改名为正式文件，返回文件路径。
// 任一步失败都会删除临时文件。
func (w *Session) End(ctimeMS, expire uint64) (string, error) {
	if w.file == nil {
		return "", ErrSessionClosed
	}
	if w.err != nil {
		err := w.err
		w.Abort()
		return "", err
	}

	w.meta.CTime = ctimeMS
	w.meta.Expire = expire
	buf, err := w.meta.encode()
	if err == nil {
		_, err = w.file.WriteAt(buf, 0)
	}
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		w.Abort()
		return "", fmt.Errorf("disk: finalize meta: %w", err)
	}

	closeErr := w.file.Close()
	w.file = nil
	if closeErr != nil {
		os.Remove(w.tmp)
		return "", closeErr
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		os.Remove(w.tmp)
		return "", err
	}
	return w.path, nil
}

// Abort 关闭并删除未完成的文件，可重复调用。
func (w *Session) Abort() {
	if w == nil || w.file == nil {
		return
	}
	w.file.Close()
	w.file = nil
	os.Remove(w.tmp)
}
