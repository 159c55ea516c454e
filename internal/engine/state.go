package engine

import (
	"net/http"

	"github.com/ansel1/merry"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/disk"
	"github.com/any-hub/any-cache/internal/ring"
	"github.com/any-hub/any-cache/internal/shm"
)

// State 是请求上下文观察到的引擎状态。
type State uint8

const (
	StateInit State = iota
	StateBypass
	StateWait
	StateCreate
	StateUpdate
	StateHitMemory
	StateHitDisk
	StateCheckDisk
	StateDone
	StateInvalid
	StateFull
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBypass:
		return "BYPASS"
	case StateWait:
		return "WAIT"
	case StateCreate:
		return "CREATE"
	case StateUpdate:
		return "UPDATE"
	case StateHitMemory:
		return "HIT_MEMORY"
	case StateHitDisk:
		return "HIT_DISK"
	case StateCheckDisk:
		return "CHECK_DISK"
	case StateDone:
		return "DONE"
	case StateInvalid:
		return "INVALID"
	case StateFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// Hit 表示状态可以直接从缓存回放。
func (s State) Hit() bool {
	return s == StateHitMemory || s == StateHitDisk
}

// Writing 表示上下文正在捕获响应。
func (s State) Writing() bool {
	return s == StateCreate || s == StateUpdate
}

var (
	// ErrFull 表示索引或 ring 空间耗尽。
	ErrFull = merry.New("engine: storage full").WithHTTPCode(http.StatusInsufficientStorage)
	// ErrNotFound 表示 key 不存在。
	ErrNotFound = merry.New("engine: entry not found").WithHTTPCode(http.StatusNotFound)
	// ErrInvalid 表示写入未能在任何存储上完成。
	ErrInvalid = merry.New("engine: entry invalid").WithHTTPCode(http.StatusInternalServerError)
)

// Ctx 是单个请求在引擎中的上下文，不可跨请求复用。
type Ctx struct {
	State State
	Key   cachekey.Key
	Rule  *dict.Rule

	HeaderLen    uint64
	PayloadLen   uint64
	ETag         string
	LastModified string

	entry   *dict.Entry
	chunked bool
	full    bool

	ringData *ring.Data
	ringTail shm.Ref
	lease    *ring.Lease

	session *disk.Session
	file    *disk.File

	memChecked  bool
	diskChecked bool
}

// NewCtx 为一次请求构造上下文。
func NewCtx(key cachekey.Key, rule *dict.Rule) *Ctx {
	return &Ctx{Key: key, Rule: rule}
}

// Release 归还上下文持有的 ring 租约与文件描述符，可重复调用。
func (c *Ctx) Release() {
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}
