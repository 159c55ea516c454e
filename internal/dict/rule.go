package dict

import (
	"fmt"
	"strings"
)

// DiskMode 决定条目是否以及何时落盘。
type DiskMode uint8

const (
	// DiskOff 仅使用内存。
	DiskOff DiskMode = iota
	// DiskOn 捕获响应时直接写入磁盘文件。
	DiskOn
	// DiskSync 先写内存，由后台 saver 异步同步到磁盘。
	DiskSync
)

// ExtendDisabled 作为 Extend[0] 时表示关闭 TTL 延长。
const ExtendDisabled = 0xFF

func (m DiskMode) String() string {
	switch m {
	case DiskOn:
		return "on"
	case DiskSync:
		return "sync"
	default:
		return "off"
	}
}

// ParseDiskMode 解析 off/on/sync。
func ParseDiskMode(raw string) (DiskMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "off":
		return DiskOff, nil
	case "on":
		return DiskOn, nil
	case "sync":
		return DiskSync, nil
	default:
		return DiskOff, fmt.Errorf("unsupported disk mode: %s", raw)
	}
}

// Rule 是路由解析后交给引擎的只读策略。
type Rule struct {
	Name         string
	Memory       bool
	Disk         DiskMode
	TTL          uint32 // 秒，0 表示永不过期
	Extend       [4]uint8
	ETag         bool
	LastModified bool
	Key          []string
}

// MemoryOn 表示捕获时写入 ring；sync 模式必须先落内存。
func (r *Rule) MemoryOn() bool {
	return r.Memory || r.Disk == DiskSync
}

// DiskOn 表示捕获时直接写磁盘。
func (r *Rule) DiskOn() bool {
	return r.Disk == DiskOn
}

// DiskOff 表示该规则完全不使用磁盘（包括冷启动探测）。
func (r *Rule) DiskOff() bool {
	return r.Disk == DiskOff
}

// PackedTTL 返回持久化到 meta 的 ttl 字：高 32 位 ttl，低 4 字节为 extend。
func (r *Rule) PackedTTL() uint64 {
	return PackTTL(r.TTL, r.Extend)
}

// PackTTL 按 ttl<<32 | extend[3]<<24 | extend[2]<<16 | extend[1]<<8 | extend[0] 打包。
func PackTTL(ttl uint32, extend [4]uint8) uint64 {
	t := uint64(ttl) << 32
	t |= uint64(extend[0])
	t |= uint64(extend[1]) << 8
	t |= uint64(extend[2]) << 16
	t |= uint64(extend[3]) << 24
	return t
}

// UnpackTTL 是 PackTTL 的逆操作。
func UnpackTTL(packed uint64) (uint32, [4]uint8) {
	return uint32(packed >> 32), [4]uint8{
		uint8(packed),
		uint8(packed >> 8),
		uint8(packed >> 16),
		uint8(packed >> 24),
	}
}
