package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/dict"
)

func TestBuildETag(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	msg := responseHead()
	etag, err := BuildETag(msg, &dict.Rule{ETag: true}, now)
	if err != nil {
		t.Fatalf("生成 etag 失败: %v", err)
	}
	if len(etag) != 10 || etag[0] != '"' || etag[9] != '"' {
		t.Fatalf("etag 格式错误: %q", etag)
	}
	if v, ok := msg.Header("Etag"); !ok || v != etag {
		t.Fatalf("规则开启时应写回响应头, got %q", v)
	}

	quiet := responseHead()
	if _, err := BuildETag(quiet, &dict.Rule{}, now); err != nil {
		t.Fatalf("生成 etag 失败: %v", err)
	}
	if _, ok := quiet.Header("Etag"); ok {
		t.Fatalf("规则关闭时不应写回响应头")
	}

	existing := responseHead()
	if err := existing.AddHeader("ETag", `"abc"`); err != nil {
		t.Fatalf("add header: %v", err)
	}
	if got, _ := BuildETag(existing, &dict.Rule{ETag: true}, now); got != `"abc"` {
		t.Fatalf("应沿用已有 ETag, got %q", got)
	}
}

func TestBuildLastModified(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	msg := responseHead()
	lm, err := BuildLastModified(msg, &dict.Rule{LastModified: true}, now)
	if err != nil {
		t.Fatalf("生成 last-modified 失败: %v", err)
	}
	if lm != "Fri, 01 Mar 2024 08:30:00 GMT" {
		t.Fatalf("unexpected last-modified %q", lm)
	}
	if v, _ := msg.Header("Last-Modified"); v != lm {
		t.Fatalf("规则开启时应写回响应头, got %q", v)
	}

	kept := responseHead()
	_ = kept.AddHeader("Last-Modified", "Thu, 29 Feb 2024 10:00:00 GMT")
	if got, _ := BuildLastModified(kept, &dict.Rule{}, now); got != "Thu, 29 Feb 2024 10:00:00 GMT" {
		t.Fatalf("应沿用长度合法的值, got %q", got)
	}

	malformed := responseHead()
	_ = malformed.AddHeader("Last-Modified", "yesterday")
	if got, _ := BuildLastModified(malformed, &dict.Rule{}, now); got != lm {
		t.Fatalf("长度不合法时应重新生成, got %q", got)
	}

	replaced := responseHead()
	_ = replaced.AddHeader("Last-Modified", "yesterday")
	if _, err := BuildLastModified(replaced, &dict.Rule{LastModified: true}, now); err != nil {
		t.Fatalf("生成 last-modified 失败: %v", err)
	}
	count := 0
	for _, b := range replaced.Head() {
		if b.Type() == chunk.TypeHeader && strings.EqualFold(b.Name(), "Last-Modified") {
			count++
			if b.Value() != lm {
				t.Fatalf("非法值应被替换, got %q", b.Value())
			}
		}
	}
	if count != 1 {
		t.Fatalf("Last-Modified 应只保留一个, got %d", count)
	}
}

func TestNoSQLHeaderCopiesContentType(t *testing.T) {
	hdr, _ := chunk.Field(chunk.TypeHeader, "Content-Type", "application/json")
	req := chunk.NewMessage(hdr, chunk.Marker(chunk.TypeEOH))

	blocks, err := nosqlHeader(req)
	if err != nil {
		t.Fatalf("nosql header: %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}
	if blocks[1].Name() != "content-type" || blocks[1].Value() != "application/json" {
		t.Fatalf("content-type 未复制: %s=%s", blocks[1].Name(), blocks[1].Value())
	}
	if blocks[3].Type() != chunk.TypeEOH {
		t.Fatalf("最后一个块应为 EOH, got %s", blocks[3].Type())
	}
}
