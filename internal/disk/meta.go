package disk

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/cstruct"
)

// metaMagic 是 "ANYCACH1" 的小端整数形式。
const metaMagic uint64 = 0x3148434143594e41

var (
	// ErrInvalidMeta 表示 meta 块损坏或与文件长度不符。
	ErrInvalidMeta = errors.New("disk: invalid meta block")
	// ErrKeyMismatch 表示文件属于同一分片下的另一个 key。
	ErrKeyMismatch = errors.New("disk: key mismatch")
)

// Meta 是文件头部的定长元数据。ETag/LastModified 以 len<<32|offset 形式存放。
type Meta struct {
	Magic        uint64
	Hash         uint64
	CTime        uint64
	Expire       uint64
	TTL          uint64
	KeyLen       uint64
	HeaderLen    uint64
	PayloadLen   uint64
	ETag         uint64
	LastModified uint64
	HeaderPos    uint64
}

// MetaSize 是 meta 块的编码长度。
var MetaSize = func() int {
	n, _, err := cstruct.Examine(Meta{})
	if err != nil {
		panic(fmt.Sprintf("disk: examine meta: %v", err))
	}
	return int(n)
}()

func (m Meta) encode() ([]byte, error) {
	return cstruct.Pack(m, cstruct.LittleEndian)
}

func decodeMeta(src []byte) (Meta, error) {
	var m Meta
	if len(src) < MetaSize {
		return m, ErrInvalidMeta
	}
	if _, err := cstruct.Unpack(src[:MetaSize], &m, cstruct.LittleEndian); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	if m.Magic != metaMagic {
		return m, ErrInvalidMeta
	}
	return m, nil
}

func packProp(offset, length int) uint64 {
	return uint64(length)<<32 | uint64(offset)
}

func unpackProp(v uint64) (offset, length int64) {
	return int64(v & 0xffffffff), int64(v >> 32)
}

// StreamEnd 返回 payload 结束的位置，trailer 块从这里开始。
func (m Meta) StreamEnd() int64 {
	return int64(m.HeaderPos + m.HeaderLen + m.PayloadLen)
}

// Expired 按秒判断，Expire 为 0 表示永不过期。
func (m Meta) Expired(nowSec uint64) bool {
	return m.Expire != 0 && m.Expire <= nowSec
}

func (m Meta) check(size int64) error {
	if m.HeaderPos < uint64(MetaSize)+m.KeyLen || m.StreamEnd() > size {
		return fmt.Errorf("%w: stream end %d beyond file size %d", ErrInvalidMeta, m.StreamEnd(), size)
	}
	for _, prop := range []uint64{m.ETag, m.LastModified} {
		off, n := unpackProp(prop)
		if n > 0 && off+n > int64(m.HeaderPos) {
			return fmt.Errorf("%w: property overlaps header stream", ErrInvalidMeta)
		}
	}
	return nil
}
