package ring

import "sync/atomic"

// Lease 代表一个读者对链的引用，Release 幂等。
type Lease struct {
	data     *Data
	released atomic.Bool
}

// Data 返回租约对应的链。
func (l *Lease) Data() *Data {
	return l.data
}

// Release 归还引用；返回 false 表示此前已归还。
func (l *Lease) Release() bool {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return false
	}
	l.data.attach.Add(-1)
	return true
}

// Released 报告租约是否已归还。
func (l *Lease) Released() bool {
	return l.released.Load()
}
