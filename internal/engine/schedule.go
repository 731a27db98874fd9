package engine

import (
	"context"
	"hash/fnv"
	"math"
	"runtime"
	"sync/atomic"
	"time"
)

// sleepChunk 长睡眠被切成的片段，每段结束都检查停止标志
const sleepChunk = 500 * time.Millisecond

// GateSize 并发运行周期数: 1→1, 2→2, ≤4→cpu, ≤8→round(1.25×cpu), 其余 min(16, round(1.5×cpu))
// override > 0 时直接使用
func GateSize(cpu, override int) int64 {
	if override > 0 {
		return int64(override)
	}
	switch {
	case cpu <= 1:
		return 1
	case cpu <= 4:
		return int64(cpu)
	case cpu <= 8:
		return int64(math.Round(1.25 * float64(cpu)))
	}
	return int64(math.Min(16, math.Round(1.5*float64(cpu))))
}

func defaultGateSize(override int) int64 {
	return GateSize(runtime.NumCPU(), override)
}

// PhaseOffset 每个 worker 的固定启动错峰
// 取 fnv(symbol@interval) % 997 的比例，乘以 max(2s, min(0.35×interval, 10s))
func PhaseOffset(symbol, interval string, iv time.Duration) time.Duration {
	span := time.Duration(0.35 * float64(iv))
	if span > 10*time.Second {
		span = 10 * time.Second
	}
	if span < 2*time.Second {
		span = 2 * time.Second
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol + "@" + interval))
	frac := float64(h.Sum32()%997) / 997
	return time.Duration(frac * float64(span))
}

// sleep 分片睡眠；ctx 结束或 stop 置位时提前返回 false
func sleep(ctx context.Context, d time.Duration, stop *atomic.Bool) bool {
	for d > 0 {
		if stop != nil && stop.Load() {
			return false
		}
		step := d
		if step > sleepChunk {
			step = sleepChunk
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		d -= step
	}
	return ctx.Err() == nil && (stop == nil || !stop.Load())
}

// OutageBackoff 断网退避: 首次 initial，之后 min(max, max(prev×factor, initial))
type OutageBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	current time.Duration
}

// Fail 记录一次网络类失败
// 返回新的等待时长；失败发生时已处于上限则 escalate=true
func (b *OutageBackoff) Fail() (wait time.Duration, escalate bool) {
	if b.current > 0 && b.current >= b.Max {
		return b.current, true
	}
	if b.current == 0 {
		b.current = b.Initial
	} else {
		next := time.Duration(float64(b.current) * b.Factor)
		if next < b.Initial {
			next = b.Initial
		}
		b.current = next
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current, false
}

// Reset 周期成功后清零
func (b *OutageBackoff) Reset() { b.current = 0 }

// Current 当前退避，0 表示正常
func (b *OutageBackoff) Current() time.Duration { return b.current }
