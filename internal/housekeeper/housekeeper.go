package housekeeper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// phaseBudget 是每个阶段的默认时间预算。
	phaseBudget = 10 * time.Millisecond
	// maxPhaseBudget 是高失效压力下 ring 回收的预算上限。
	maxPhaseBudget = 100 * time.Millisecond
)

// Target 是被维护的引擎。
type Target interface {
	Name() string
	CleanDictStep() bool
	CleanDataStep() bool
	RingPressure() (count, ratio int)
	CleanDiskStep() bool
	LoadDiskStep() bool
	SaveDiskStep() bool
}

// Quota 是每个阶段单次 tick 最多执行的步数。
type Quota struct {
	DictCleaner int
	DataCleaner int
	DiskCleaner int
	DiskLoader  int
	DiskSaver   int
}

type target struct {
	engine Target
	quota  Quota
}

// Report 汇总一次 tick 中各阶段实际执行的步数。
type Report struct {
	Engine      string
	DictCleaner int
	DataCleaner int
	DiskCleaner int
	DiskLoader  int
	DiskSaver   int
	Ratio       int
}

// Housekeeper 按固定间隔对所有引擎执行一次 tick。
type Housekeeper struct {
	interval time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	targets []target
}

// New 构建 housekeeper，interval 为 tick 间隔。
func New(interval time.Duration, logger *logrus.Logger) *Housekeeper {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Housekeeper{interval: interval, logger: logger, now: time.Now}
}

// Add 注册一个引擎及其阶段配额。
func (h *Housekeeper) Add(t Target, q Quota) {
	h.targets = append(h.targets, target{engine: t, quota: q})
}

// Run 循环执行 tick，直到 ctx 取消。
func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.WithFields(logrus.Fields{
		"action":   "housekeeping",
		"interval": h.interval.String(),
		"engines":  len(h.targets),
	}).Info("housekeeper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Tick 依次对每个引擎执行所有阶段。已有 tick 在运行时直接返回 nil，
// 保证同一时刻只有一个执行者。
func (h *Housekeeper) Tick() []Report {
	if !h.mu.TryLock() {
		return nil
	}
	defer h.mu.Unlock()

	reports := make([]Report, 0, len(h.targets))
	for _, t := range h.targets {
		r := h.tick(t)
		reports = append(reports, r)
		if r.DictCleaner+r.DataCleaner+r.DiskCleaner+r.DiskLoader+r.DiskSaver > 0 {
			h.logger.WithFields(logrus.Fields{
				"action":       "housekeeping",
				"engine":       r.Engine,
				"dict_cleaner": r.DictCleaner,
				"data_cleaner": r.DataCleaner,
				"disk_cleaner": r.DiskCleaner,
				"disk_loader":  r.DiskLoader,
				"disk_saver":   r.DiskSaver,
				"ratio":        r.Ratio,
			}).Debug("housekeeping tick")
		}
	}
	return reports
}

func (h *Housekeeper) tick(t target) Report {
	e := t.engine
	r := Report{Engine: e.Name()}

	r.DictCleaner = h.phase(t.quota.DictCleaner, phaseBudget, e.CleanDictStep, false)

	count, ratio := e.RingPressure()
	steps, budget := PlanData(count, ratio, t.quota.DataCleaner)
	r.Ratio = ratio
	r.DataCleaner = h.phase(steps, budget, e.CleanDataStep, false)

	r.DiskCleaner = h.phase(t.quota.DiskCleaner, phaseBudget, e.CleanDiskStep, true)
	r.DiskLoader = h.phase(t.quota.DiskLoader, phaseBudget, e.LoadDiskStep, true)
	r.DiskSaver = h.phase(t.quota.DiskSaver, phaseBudget, e.SaveDiskStep, true)
	return r
}

// phase 最多执行 steps 次 step，超出 budget 即停止。stopOnFalse 为 true 时
// step 返回 false 表示没有更多工作。返回实际执行的次数。
func (h *Housekeeper) phase(steps int, budget time.Duration, step func() bool, stopOnFalse bool) int {
	deadline := h.now().Add(budget)
	n := 0
	for n < steps {
		more := step()
		n++
		if stopOnFalse && !more {
			break
		}
		if !h.now().Before(deadline) {
			break
		}
	}
	return n
}

// PlanData 计算 ring 回收阶段的步数与时间预算：
// ratio >= 2 时整条 ring 都可回收，预算按 10ms*ratio 放大并以 100ms 封顶；
// 否则按配额执行且不超过链的数量。
func PlanData(count, ratio, quota int) (int, time.Duration) {
	if ratio >= 2 {
		budget := time.Duration(ratio) * phaseBudget
		if budget > maxPhaseBudget {
			budget = maxPhaseBudget
		}
		return count, budget
	}
	if quota > count {
		quota = count
	}
	return quota, phaseBudget
}
