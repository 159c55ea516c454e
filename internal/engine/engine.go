package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/any-cache/internal/cachekey"
	"github.com/any-hub/any-cache/internal/dict"
	"github.com/any-hub/any-cache/internal/disk"
	"github.com/any-hub/any-cache/internal/ring"
	"github.com/any-hub/any-cache/internal/shm"
)

// Mode 区分普通响应缓存与 nosql 存储。
type Mode uint8

const (
	ModeCache Mode = iota
	ModeNoSQL
)

func (m Mode) String() string {
	if m == ModeNoSQL {
		return "nosql"
	}
	return "cache"
}

// Options 描述构建引擎所需的容量与依赖。
type Options struct {
	Name      string
	Mode      Mode
	DictSize  int
	DataSize  int
	BlockSize int
	// Root 为空表示不启用磁盘存储。
	Root string

	Logger     *logrus.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Engine 是一个模式下的缓存引擎实例。
type Engine struct {
	name string
	mode Mode
	pid  int

	seg  *shm.Segment
	dict *dict.Dict
	ring *ring.Store
	disk *disk.Store

	logger  *logrus.Logger
	warn    *rate.Limiter
	metrics *metrics
	now     func() time.Time

	saverFrom cachekey.Key
}

// Stats 是引擎的状态快照，供诊断接口输出。
type Stats struct {
	Name       string     `json:"name"`
	Mode       string     `json:"mode"`
	Dict       dict.Stats `json:"dict"`
	Ring       ring.Stats `json:"ring"`
	Segment    shm.Stats  `json:"segment"`
	DiskRoot   string     `json:"disk_root,omitempty"`
	DiskLoaded bool       `json:"disk_loaded"`
}

// New 创建共享段并组装索引、ring 与磁盘存储；共享段创建失败应视为致命错误。
func New(opts Options) (*Engine, error) {
	if opts.Name == "" {
		opts.Name = opts.Mode.String()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	seg, err := shm.New(opts.Name, opts.DictSize+opts.DataSize, opts.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", opts.Name, err)
	}

	r := ring.New(seg)
	e := &Engine{
		name:   opts.Name,
		mode:   opts.Mode,
		pid:    os.Getpid(),
		seg:    seg,
		dict:   dict.New(seg, r),
		ring:   r,
		logger: opts.Logger,
		warn:   rate.NewLimiter(rate.Every(time.Second), 5),
		now:    opts.Now,
	}

	if opts.Root != "" {
		store, err := disk.New(opts.Root)
		if err != nil {
			seg.Close()
			return nil, fmt.Errorf("engine %s: %w", opts.Name, err)
		}
		e.disk = store
	}

	e.metrics = newMetrics(e, opts.Registerer)
	return e, nil
}

func (e *Engine) Name() string {
	return e.name
}

func (e *Engine) Mode() Mode {
	return e.mode
}

// DiskEnabled 表示配置了磁盘根目录。
func (e *Engine) DiskEnabled() bool {
	return e.disk != nil
}

// DiskLoaded 表示磁盘重载已完成，未启用磁盘时视为已完成。
func (e *Engine) DiskLoaded() bool {
	return e.disk == nil || e.disk.Loaded()
}

// Close 解除共享段映射。
func (e *Engine) Close() error {
	return e.seg.Close()
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Name:       e.name,
		Mode:       e.mode.String(),
		Dict:       e.dict.Stats(),
		Ring:       e.ring.Stats(),
		Segment:    e.seg.Stats(),
		DiskLoaded: e.DiskLoaded(),
	}
	if e.disk != nil {
		st.DiskRoot = e.disk.Root()
	}
	return st
}

// Collectors 返回引擎的全部指标，便于调用方自行注册。
func (e *Engine) Collectors() []prometheus.Collector {
	return e.metrics.collectors
}

func (e *Engine) nowMS() uint64 {
	return uint64(e.now().UnixMilli())
}

// unlockDict 释放索引锁，再在锁外执行期间排队的磁盘操作：删除退役文件、改写顺延条目的过期时间。
func (e *Engine) unlockDict() {
	trash := e.dict.Drain()
	extended := e.dict.DrainExtended()
	e.dict.Unlock()
	e.removeTrash(trash)
	for _, ext := range extended {
		if err := disk.SetExpire(ext.Path, ext.Expire); err != nil && !errors.Is(err, disk.ErrNotFound) {
			e.warnf(logrus.Fields{"path": ext.Path}, "rewrite disk expire failed: %v", err)
		}
	}
}

// removeTrash 在锁外删除被退役条目的磁盘文件。
func (e *Engine) removeTrash(paths []string) {
	for _, p := range paths {
		if err := disk.Remove(p); err != nil {
			e.warnf(logrus.Fields{"path": p}, "remove disk file failed: %v", err)
		}
	}
}

// warnf 以限速方式记录热路径上的告警，避免存储满时刷屏。
func (e *Engine) warnf(fields logrus.Fields, format string, args ...any) {
	if !e.warn.Allow() {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"engine": e.name,
		"mode":   e.mode.String(),
	}).WithFields(fields).Warnf(format, args...)
}

func isNoRoom(err error) bool {
	return errors.Is(err, shm.ErrNoRoom) || errors.Is(err, dict.ErrNoRoom)
}
