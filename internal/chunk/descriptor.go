package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type 对应描述字高 4 位的块类型。
type Type uint8

const (
	TypeRequestLine Type = 0
	TypeStatusLine  Type = 1
	TypeHeader      Type = 2
	TypeEOH         Type = 3
	TypeData        Type = 4
	TypeTrailer     Type = 5
	TypeEOT         Type = 6
	TypeEOM         Type = 7
	TypeUnused      Type = 15
)

const (
	// DescriptorSize 是每个块在磁盘/内存中的前缀长度。
	DescriptorSize = 4

	// MaxNameLen/MaxValueLen 是 header/trailer 拆分打包的上限。
	MaxNameLen  = 0xff
	MaxValueLen = 0xfffff

	// MaxBlockSize 是非 header 类块可表示的最大长度（低 28 位）。
	MaxBlockSize = 0x0fffffff
)

var (
	ErrBlockTooLarge = errors.New("chunk: block too large for descriptor")
	ErrShortBuffer   = errors.New("chunk: short buffer")
)

func (t Type) String() string {
	switch t {
	case TypeRequestLine:
		return "REQ_SL"
	case TypeStatusLine:
		return "RES_SL"
	case TypeHeader:
		return "HDR"
	case TypeEOH:
		return "EOH"
	case TypeData:
		return "DATA"
	case TypeTrailer:
		return "TLR"
	case TypeEOT:
		return "EOT"
	case TypeEOM:
		return "EOM"
	case TypeUnused:
		return "UNUSED"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// splitPacked 表示该类型的 size 使用 name(低 8 位)/value(中间 20 位) 拆分打包。
func (t Type) splitPacked() bool {
	return t == TypeHeader || t == TypeTrailer
}

// Descriptor 是块前缀的 4 字节描述字：
//
//	bits 31-28  type tag
//	bits 27-8   value length (header/trailer)
//	bits  7-0   name length  (header/trailer)
//
// 其它类型直接使用低 28 位保存长度。
type Descriptor uint32

// NewDescriptor 为非 header 类块构造描述字。
func NewDescriptor(t Type, size int) (Descriptor, error) {
	if t.splitPacked() {
		return 0, fmt.Errorf("chunk: %s requires name/value lengths", t)
	}
	if size < 0 || size > MaxBlockSize {
		return 0, ErrBlockTooLarge
	}
	return Descriptor(uint32(t)<<28 | uint32(size)), nil
}

// NewFieldDescriptor 为 header/trailer 构造 name/value 拆分的描述字。
func NewFieldDescriptor(t Type, nameLen, valueLen int) (Descriptor, error) {
	if !t.splitPacked() {
		return 0, fmt.Errorf("chunk: %s is not a field block", t)
	}
	if nameLen < 0 || nameLen > MaxNameLen || valueLen < 0 || valueLen > MaxValueLen {
		return 0, ErrBlockTooLarge
	}
	return Descriptor(uint32(t)<<28 | uint32(valueLen)<<8 | uint32(nameLen)), nil
}

func (d Descriptor) Type() Type {
	return Type(uint32(d) >> 28)
}

// Size 返回块负载长度。
func (d Descriptor) Size() int {
	if d.Type().splitPacked() {
		return d.NameLen() + d.ValueLen()
	}
	return int(uint32(d) & MaxBlockSize)
}

func (d Descriptor) NameLen() int {
	return int(uint32(d) & 0xff)
}

func (d Descriptor) ValueLen() int {
	return int((uint32(d) >> 8) & 0xfffff)
}

// Encode 以小端序写出描述字。
func (d Descriptor) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst, uint32(d))
}

// Append 将描述字追加到 dst 后返回新切片。
func (d Descriptor) Append(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(d))
}

// DecodeDescriptor 从 src 读取 4 字节描述字。
func DecodeDescriptor(src []byte) (Descriptor, error) {
	if len(src) < DescriptorSize {
		return 0, ErrShortBuffer
	}
	return Descriptor(binary.LittleEndian.Uint32(src)), nil
}
