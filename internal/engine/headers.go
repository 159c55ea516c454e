package engine

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/dict"
)

// lastModifiedLen 是 "Mon, 02 Jan 2006 15:04:05 GMT" 的固定长度。
const lastModifiedLen = 29

// BuildETag 沿用响应中已有的 ETag；没有时以时间戳哈希生成 10 字符的 "%08x"，
// 仅当规则开启 etag 时才写回响应头。返回值始终随条目保存。
func BuildETag(msg *chunk.Message, rule *dict.Rule, now time.Time) (string, error) {
	if v, ok := msg.Header("ETag"); ok {
		return v, nil
	}
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(now.UnixMilli()))
	etag := fmt.Sprintf("\"%08x\"", uint32(xxhash.Sum64(ts[:])))
	if rule.ETag {
		if err := msg.AddHeader("Etag", etag); err != nil {
			return "", err
		}
	}
	return etag, nil
}

// BuildLastModified 沿用长度合法的 Last-Modified；否则按 HTTP 日期格式生成，
// 仅当规则开启 last-modified 时才写回响应头，并替换原有的非法值。
func BuildLastModified(msg *chunk.Message, rule *dict.Rule, now time.Time) (string, error) {
	if v, ok := msg.Header("Last-Modified"); ok && len(v) == lastModifiedLen {
		return v, nil
	}
	lm := now.UTC().Format(http.TimeFormat)
	if rule.LastModified {
		if err := msg.SetHeader("Last-Modified", lm); err != nil {
			return "", err
		}
	}
	return lm, nil
}

// nosqlHeader 为 nosql 写入合成响应头：状态行、content-type、chunked 传输编码与 EOH。
func nosqlHeader(req *chunk.Message) ([]chunk.Block, error) {
	blocks := []chunk.Block{chunk.StatusLine("HTTP/1.1 200 OK")}
	if ct, ok := req.Header("Content-Type"); ok {
		blk, err := chunk.Field(chunk.TypeHeader, "content-type", ct)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
	}
	te, err := chunk.Field(chunk.TypeHeader, "transfer-encoding", "chunked")
	if err != nil {
		return nil, err
	}
	return append(blocks, te, chunk.Marker(chunk.TypeEOH)), nil
}
