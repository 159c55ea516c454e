package chunk

import (
	"fmt"
)

// Block 是一个带描述字的字节块，Data 不包含描述字本身。
type Block struct {
	Desc Descriptor
	Data []byte
}

// markerByte 是 EOH/EOT/EOM 等标记块的唯一负载字节。
var markerByte = []byte{0}

// NewBlock 构造非 header 类的块。
func NewBlock(t Type, data []byte) (Block, error) {
	desc, err := NewDescriptor(t, len(data))
	if err != nil {
		return Block{}, err
	}
	return Block{Desc: desc, Data: data}, nil
}

// Data 构造 DATA 块，超过描述字上限时 panic。
func Data(p []byte) Block {
	b, err := NewBlock(TypeData, p)
	if err != nil {
		panic(err)
	}
	return b
}

// StatusLine 构造响应状态行块，例如 "HTTP/1.1 200 OK"。
func StatusLine(line string) Block {
	b, err := NewBlock(TypeStatusLine, []byte(line))
	if err != nil {
		panic(err)
	}
	return b
}

// Marker 构造单字节的 EOH/EOT/EOM 标记块。
func Marker(t Type) Block {
	desc, _ := NewDescriptor(t, len(markerByte))
	return Block{Desc: desc, Data: markerByte}
}

// Field 构造 header/trailer 块，Data 为 name 与 value 的拼接。
func Field(t Type, name, value string) (Block, error) {
	desc, err := NewFieldDescriptor(t, len(name), len(value))
	if err != nil {
		return Block{}, fmt.Errorf("chunk: field %q: %w", name, err)
	}
	data := make([]byte, 0, len(name)+len(value))
	data = append(data, name...)
	data = append(data, value...)
	return Block{Desc: desc, Data: data}, nil
}

func (b Block) Type() Type {
	return b.Desc.Type()
}

func (b Block) Size() int {
	return len(b.Data)
}

// Name/Value 仅对 header/trailer 块有意义。
func (b Block) Name() string {
	n := b.Desc.NameLen()
	if n > len(b.Data) {
		n = len(b.Data)
	}
	return string(b.Data[:n])
}

func (b Block) Value() string {
	n := b.Desc.NameLen()
	if n > len(b.Data) {
		return ""
	}
	return string(b.Data[n:])
}

// IsField 表示块是否为 header 或 trailer。
func (b Block) IsField() bool {
	return b.Type().splitPacked()
}

// Encoded 返回描述字加负载的总长度。
func (b Block) Encoded() int {
	return DescriptorSize + len(b.Data)
}

// AppendTo 写出 [descriptor][data]。
func (b Block) AppendTo(dst []byte) []byte {
	dst = b.Desc.Append(dst)
	return append(dst, b.Data...)
}

// Clone 复制负载，避免与上游缓冲区共享底层数组。
func (b Block) Clone() Block {
	return Block{Desc: b.Desc, Data: append([]byte(nil), b.Data...)}
}

// DecodeStream 将 [descriptor][data]... 序列拆回块列表，负载直接引用 src。
func DecodeStream(src []byte) ([]Block, error) {
	var blocks []Block
	for len(src) > 0 {
		desc, err := DecodeDescriptor(src)
		if err != nil {
			return blocks, err
		}
		size := desc.Size()
		if len(src) < DescriptorSize+size {
			return blocks, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortBuffer, desc.Type(), size, len(src)-DescriptorSize)
		}
		blocks = append(blocks, Block{Desc: desc, Data: src[DescriptorSize : DescriptorSize+size]})
		src = src[DescriptorSize+size:]
	}
	return blocks, nil
}
