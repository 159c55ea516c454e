package config

import (
	"fmt"
	"time"

	"github.com/any-hub/any-cache/internal/dict"
)

// Rule 把路由配置解析为引擎使用的只读规则，假定 Validate 已经通过。
func (r RouteConfig) Rule() (*dict.Rule, error) {
	disk, err := dict.ParseDiskMode(r.Disk)
	if err != nil {
		return nil, err
	}

	rule := &dict.Rule{
		Name:         r.Name,
		Memory:       r.MemoryOn(),
		Disk:         disk,
		TTL:          uint32(r.TTL.DurationValue() / time.Second),
		ETag:         r.ETag,
		LastModified: r.LastModified,
		Key:          append([]string(nil), r.Key...),
	}

	extend, err := parseExtend(r.Extend)
	if err != nil {
		return nil, err
	}
	rule.Extend = extend
	return rule, nil
}

// parseExtend 接受至多 4 个百分比：前三个划分访问区间，第四个是过期后的宽限窗口。
// 第一个为 0xFF 表示关闭延长。
func parseExtend(raw []int) ([4]uint8, error) {
	var out [4]uint8
	if len(raw) == 0 {
		out[0] = dict.ExtendDisabled
		return out, nil
	}
	if len(raw) > 4 {
		return out, fmt.Errorf("extend accepts at most 4 values, got %d", len(raw))
	}
	if raw[0] == dict.ExtendDisabled {
		out[0] = dict.ExtendDisabled
		return out, nil
	}

	sum := 0
	for i, v := range raw {
		if v < 0 || v > 100 {
			return out, fmt.Errorf("extend[%d] must be within 0-100", i)
		}
		if i < 3 {
			sum += v
		}
		out[i] = uint8(v)
	}
	if sum > 100 {
		return out, fmt.Errorf("extend thresholds sum to %d, must not exceed 100", sum)
	}
	return out, nil
}
