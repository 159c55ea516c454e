package chunk

import (
	"strings"
)

// Message 是一条响应（或 nosql 请求体）按顺序排列的块序列。
type Message struct {
	blocks []Block
	// Chunked 表示消息体采用 chunked 传输编码。
	Chunked bool
}

// NewMessage 以给定块初始化消息。
func NewMessage(blocks ...Block) *Message {
	return &Message{blocks: append([]Block(nil), blocks...)}
}

func (m *Message) Add(blocks ...Block) {
	m.blocks = append(m.blocks, blocks...)
}

func (m *Message) Blocks() []Block {
	return m.blocks
}

// Len 返回所有块负载的总字节数（不含描述字）。
func (m *Message) Len() int {
	total := 0
	for _, b := range m.blocks {
		total += b.Size()
	}
	return total
}

// HeadLen 返回直到 EOH（含）为止的块负载字节数，用于定位消息体起点。
func (m *Message) HeadLen() int {
	total := 0
	for _, b := range m.blocks {
		total += b.Size()
		if b.Type() == TypeEOH {
			return total
		}
	}
	return total
}

// Find 定位 offset 落在哪个块以及块内偏移；offset 等于 Len() 时返回 ok=false。
func (m *Message) Find(offset int) (idx int, inner int, ok bool) {
	if offset < 0 {
		return 0, 0, false
	}
	for i, b := range m.blocks {
		if offset < b.Size() {
			return i, offset, true
		}
		offset -= b.Size()
	}
	return len(m.blocks), 0, false
}

// Header 在 EOH 之前按名称（忽略大小写）查找第一个 header 值。
func (m *Message) Header(name string) (string, bool) {
	for _, b := range m.blocks {
		switch b.Type() {
		case TypeEOH:
			return "", false
		case TypeHeader:
			if strings.EqualFold(b.Name(), name) {
				return b.Value(), true
			}
		}
	}
	return "", false
}

// AddHeader 在 EOH 之前插入一个 header；没有 EOH 时追加到末尾。
func (m *Message) AddHeader(name, value string) error {
	blk, err := Field(TypeHeader, name, value)
	if err != nil {
		return err
	}
	for i, b := range m.blocks {
		if b.Type() == TypeEOH {
			m.blocks = append(m.blocks, Block{})
			copy(m.blocks[i+1:], m.blocks[i:])
			m.blocks[i] = blk
			return nil
		}
	}
	m.blocks = append(m.blocks, blk)
	return nil
}

// SetHeader 用新值替换 EOH 之前所有同名 header（忽略大小写），只保留一个；不存在时等同 AddHeader。
func (m *Message) SetHeader(name, value string) error {
	blk, err := Field(TypeHeader, name, value)
	if err != nil {
		return err
	}
	out := m.blocks[:0]
	replaced := false
	head := true
	for _, b := range m.blocks {
		if b.Type() == TypeEOH {
			head = false
		}
		if head && b.Type() == TypeHeader && strings.EqualFold(b.Name(), name) {
			if replaced {
				continue
			}
			b, replaced = blk, true
		}
		out = append(out, b)
	}
	m.blocks = out
	if !replaced {
		return m.AddHeader(name, value)
	}
	return nil
}

// Head 返回 EOH（含）之前的块。
func (m *Message) Head() []Block {
	for i, b := range m.blocks {
		if b.Type() == TypeEOH {
			return m.blocks[:i+1]
		}
	}
	return m.blocks
}

// Payload 拼接全部 DATA 块负载。
func (m *Message) Payload() []byte {
	var out []byte
	for _, b := range m.blocks {
		if b.Type() == TypeData {
			out = append(out, b.Data...)
		}
	}
	return out
}
