package proxy

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cache/internal/chunk"
	"github.com/any-hub/any-cache/internal/engine"
	"github.com/any-hub/any-cache/internal/server"
)

// defaultWindow 是每轮回放允许写入的字节数，用尽后读者挂起，由 serve 补充窗口后继续。
const defaultWindow = 64 << 10

// fiberSink 把回放的块写入 fiber 响应：状态行设置状态码，header 写入响应头，
// DATA 追加到响应体，trailer/EOT/EOM 不产生输出。
type fiberSink struct {
	c      fiber.Ctx
	window int
	room   int
	closed bool
}

var _ engine.Sink = (*fiberSink)(nil)

func newFiberSink(c fiber.Ctx, window int) *fiberSink {
	if window <= 0 {
		window = defaultWindow
	}
	return &fiberSink{c: c, window: window, room: window}
}

func (s *fiberSink) Room() int {
	if s.closed {
		return 0
	}
	return s.room
}

func (s *fiberSink) Put(blk chunk.Block) error {
	switch blk.Type() {
	case chunk.TypeStatusLine:
		s.c.Status(parseStatus(string(blk.Data)))
	case chunk.TypeHeader:
		name := blk.Name()
		if !server.IsStorableHeader(name) {
			return nil
		}
		s.c.Response().Header.Add(name, blk.Value())
	case chunk.TypeData:
		s.c.Response().AppendBody(blk.Data)
		s.room -= len(blk.Data)
	}
	return nil
}

func (s *fiberSink) ShutRead() {
	s.closed = true
}

func (s *fiberSink) DrainRequest() {
	s.c.Request().ResetBody()
}

// refill 在一轮回放挂起后恢复写入窗口。
func (s *fiberSink) refill() {
	if !s.closed {
		s.room = s.window
	}
}

// writeHead 把捕获时的响应头块直接写入客户端响应。
func writeHead(c fiber.Ctx, blocks []chunk.Block) {
	sink := newFiberSink(c, 0)
	for _, blk := range blocks {
		_ = sink.Put(blk)
	}
}

// serve 驱动读者直到完成，每次挂起后补充窗口。
func serve(reader engine.Reader, sink *fiberSink) error {
	defer reader.Close()
	for {
		done, err := reader.Step(sink)
		if done {
			return err
		}
		sink.refill()
	}
}

// parseStatus 从 "HTTP/1.1 200 OK" 中取出状态码，解析失败按 200 处理。
func parseStatus(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fiber.StatusOK
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return fiber.StatusOK
	}
	return code
}
