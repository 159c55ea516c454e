package proxy

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/server"
)

// responseHead 把上游响应的状态行与可透传的头转换为块，以 EOH 结尾。
// hop-by-hop 头与 Content-Length 不入块，回放时由传输层重新生成。
func responseHead(resp *http.Response) (*chunk.Message, error) {
	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	msg := chunk.NewMessage(chunk.StatusLine(proto + " " + statusText(resp)))
	msg.Chunked = isChunked(resp.TransferEncoding)

	keys := make([]string, 0, len(resp.Header))
	for key := range resp.Header {
		if !server.IsStorableHeader(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range resp.Header[key] {
			blk, err := chunk.Field(chunk.TypeHeader, strings.ToLower(key), value)
			if err != nil {
				return nil, err
			}
			msg.Add(blk)
		}
	}
	msg.Add(chunk.Marker(chunk.TypeEOH))
	return msg, nil
}

// responseTail 在 chunked 响应体结束后构造 trailer 与 EOT 块。
func responseTail(resp *http.Response) (*chunk.Message, error) {
	tail := chunk.NewMessage()
	keys := make([]string, 0, len(resp.Trailer))
	for key := range resp.Trailer {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range resp.Trailer[key] {
			blk, err := chunk.Field(chunk.TypeTrailer, strings.ToLower(key), value)
			if err != nil {
				return nil, err
			}
			tail.Add(blk)
		}
	}
	tail.Add(chunk.Marker(chunk.TypeEOT))
	return tail, nil
}

// requestMessage 把 nosql 写入请求转换为块：请求头、EOH 与请求体。
func requestMessage(c fiber.Ctx) (*chunk.Message, error) {
	msg := chunk.NewMessage()
	var err error
	c.Request().Header.VisitAll(func(key, value []byte) {
		if err != nil {
			return
		}
		var blk chunk.Block
		if blk, err = chunk.Field(chunk.TypeHeader, strings.ToLower(string(key)), string(value)); err == nil {
			msg.Add(blk)
		}
	})
	if err != nil {
		return nil, err
	}
	msg.Add(chunk.Marker(chunk.TypeEOH))

	for body := c.Body(); len(body) > 0; {
		n := len(body)
		if n > chunk.MaxBlockSize {
			n = chunk.MaxBlockSize
		}
		msg.Add(chunk.Data(append([]byte(nil), body[:n]...)))
		body = body[n:]
	}
	msg.Chunked = c.Request().Header.ContentLength() == -1
	return msg, nil
}

func statusText(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
}

func isChunked(te []string) bool {
	for _, v := range te {
		if strings.EqualFold(v, "chunked") {
			return true
		}
	}
	return false
}
