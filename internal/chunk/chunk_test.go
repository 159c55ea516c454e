package chunk

import (
	"bytes"
	"testing"
)

func TestFieldDescriptorSplitPacking(t *testing.T) {
	desc, err := NewFieldDescriptor(TypeHeader, 4, 3)
	if err != nil {
		t.Fatalf("构造描述字失败: %v", err)
	}
	if uint32(desc) != 0x20000304 {
		t.Fatalf("描述字编码不符: %#x", uint32(desc))
	}
	if desc.Type() != TypeHeader || desc.Size() != 7 {
		t.Fatalf("解码结果不符: type=%s size=%d", desc.Type(), desc.Size())
	}
	if desc.NameLen() != 4 || desc.ValueLen() != 3 {
		t.Fatalf("name/value 长度不符: %d/%d", desc.NameLen(), desc.ValueLen())
	}
}

func TestDataDescriptorUsesLow28Bits(t *testing.T) {
	desc, err := NewDescriptor(TypeData, 300)
	if err != nil {
		t.Fatalf("构造描述字失败: %v", err)
	}
	if uint32(desc) != 0x4000012c {
		t.Fatalf("描述字编码不符: %#x", uint32(desc))
	}
	if desc.Size() != 300 {
		t.Fatalf("size 应为 300，得到 %d", desc.Size())
	}
	if _, err := NewDescriptor(TypeData, MaxBlockSize+1); err == nil {
		t.Fatalf("超过 28 位的长度应报错")
	}
	if _, err := NewFieldDescriptor(TypeHeader, 256, 1); err == nil {
		t.Fatalf("name 超过 255 应报错")
	}
}

func TestDescriptorLittleEndian(t *testing.T) {
	desc := Descriptor(0x20000304)
	buf := desc.Append(nil)
	if !bytes.Equal(buf, []byte{0x04, 0x03, 0x00, 0x20}) {
		t.Fatalf("应以小端序写出: %v", buf)
	}
	decoded, err := DecodeDescriptor(buf)
	if err != nil || decoded != desc {
		t.Fatalf("回读失败: %v %#x", err, uint32(decoded))
	}
	if _, err := DecodeDescriptor(buf[:3]); err == nil {
		t.Fatalf("不足 4 字节应报错")
	}
}

func TestDecodeStreamRoundTrip(t *testing.T) {
	hdr, _ := Field(TypeHeader, "Content-Type", "text/plain")
	blocks := []Block{StatusLine("HTTP/1.1 200 OK"), hdr, Marker(TypeEOH), Data([]byte("hello"))}

	var stream []byte
	for _, b := range blocks {
		stream = b.AppendTo(stream)
	}

	decoded, err := DecodeStream(stream)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if len(decoded) != len(blocks) {
		t.Fatalf("块数量不符: %d", len(decoded))
	}
	for i := range blocks {
		if decoded[i].Desc != blocks[i].Desc || !bytes.Equal(decoded[i].Data, blocks[i].Data) {
			t.Fatalf("第 %d 个块不一致", i)
		}
	}
	if decoded[1].Name() != "Content-Type" || decoded[1].Value() != "text/plain" {
		t.Fatalf("header 拆分错误: %q=%q", decoded[1].Name(), decoded[1].Value())
	}

	if _, err := DecodeStream(stream[:len(stream)-1]); err == nil {
		t.Fatalf("截断的流应报错")
	}
}

func TestMessageFindAndHeaders(t *testing.T) {
	hdr, _ := Field(TypeHeader, "ETag", `"abc"`)
	msg := NewMessage(StatusLine("HTTP/1.1 200 OK"), hdr, Marker(TypeEOH), Data([]byte("hello")))

	if got, ok := msg.Header("etag"); !ok || got != `"abc"` {
		t.Fatalf("header 查找失败: %q", got)
	}
	if _, ok := msg.Header("Last-Modified"); ok {
		t.Fatalf("不存在的 header 不应命中")
	}

	if err := msg.AddHeader("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT"); err != nil {
		t.Fatalf("插入 header 失败: %v", err)
	}
	head := msg.Head()
	if head[len(head)-1].Type() != TypeEOH || head[len(head)-2].Name() != "Last-Modified" {
		t.Fatalf("新 header 应位于 EOH 之前")
	}

	idx, inner, ok := msg.Find(msg.HeadLen() + 2)
	if !ok || msg.Blocks()[idx].Type() != TypeData || inner != 2 {
		t.Fatalf("offset 定位错误: idx=%d inner=%d ok=%v", idx, inner, ok)
	}
	if _, _, ok := msg.Find(msg.Len()); ok {
		t.Fatalf("越界 offset 应返回 ok=false")
	}
	if string(msg.Payload()) != "hello" {
		t.Fatalf("payload 拼接错误")
	}
}

func TestMessageSetHeaderReplacesDuplicates(t *testing.T) {
	a, _ := Field(TypeHeader, "Last-Modified", "yesterday")
	b, _ := Field(TypeHeader, "last-modified", "today")
	msg := NewMessage(StatusLine("HTTP/1.1 200 OK"), a, b, Marker(TypeEOH))

	if err := msg.SetHeader("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT"); err != nil {
		t.Fatalf("替换 header 失败: %v", err)
	}
	head := msg.Head()
	if len(head) != 3 {
		t.Fatalf("重复的 header 应被合并, got %d blocks", len(head))
	}
	if head[1].Value() != "Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Fatalf("header 值未替换: %q", head[1].Value())
	}

	if err := msg.SetHeader("ETag", `"x"`); err != nil {
		t.Fatalf("插入 header 失败: %v", err)
	}
	if got, ok := msg.Header("etag"); !ok || got != `"x"` {
		t.Fatalf("不存在时应插入, got %q", got)
	}
}
