package playback

import (
	"fmt"
	"math"
	"sort"
)

// Timestamps 每句话的起始时间（秒），与分句结果平行，加载后不可变。
type Timestamps []float64

// Validate 拒绝递减或非有限值的时间戳表。
func (ts Timestamps) Validate() error {
	for i, v := range ts {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("timestamp %d is invalid: %v", i, v)
		}
		if i > 0 && v < ts[i-1] {
			return fmt.Errorf("timestamps must be non-decreasing: ts[%d]=%v < ts[%d]=%v", i, v, i-1, ts[i-1])
		}
	}
	return nil
}

// Active 返回 t 时刻正在朗读的句子。
// 满足 ts[i] <= t < ts[i+1]（最后一句的上界是 duration）的最大 i；
// 空表、t 早于第一句、t 已到达结尾时返回 false。
// duration 未知（<=0）或不大于最后一句的起点时，最后一句没有上界。
func (ts Timestamps) Active(t, duration float64) (int, bool) {
	if len(ts) == 0 || math.IsNaN(t) {
		return 0, false
	}
	i := sort.Search(len(ts), func(i int) bool { return ts[i] > t }) - 1
	if i < 0 {
		return 0, false
	}
	if i == len(ts)-1 {
		last := ts[i]
		if duration > last && t >= duration {
			return 0, false
		}
	}
	return i, true
}

// ComputeActiveSentence 是 Timestamps.Active 的指针形式，nil 表示没有高亮句子。
func ComputeActiveSentence(ts []float64, t, duration float64) *int {
	i, ok := Timestamps(ts).Active(t, duration)
	if !ok {
		return nil
	}
	return &i
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
