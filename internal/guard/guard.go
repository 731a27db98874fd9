package guard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

// State 预占状态
type State int

const (
	StateFree State = iota
	StatePending
	StateActive
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	}
	return "FREE"
}

// Rejection 候选订单被拦截的原因，空字符串表示通过
type Rejection string

const (
	Admitted          Rejection = ""
	RejectReentry     Rejection = "reentry_cooldown"
	RejectSignalBlock Rejection = "signal_block"
	RejectStaleBar    Rejection = "stale_bar"
	RejectBar         Rejection = "bar_duplicate"
	RejectReserved    Rejection = "slot_reserved"
)

type barSet struct {
	bar  time.Time
	sigs map[string]struct{}
}

type reservation struct {
	pending map[string]time.Time
	active  map[string]time.Time
}

type flipKey struct {
	Symbol    string
	Interval  string
	Indicator string
}

type closeGuard struct {
	side  model.Side
	owner string
	depth int
}

// Coordinator 进程级防重复下单协调器，所有 worker 共享一个实例
type Coordinator struct {
	cfg     service.GuardConfig
	now     func() time.Time
	limiter *rate.Limiter

	mu           sync.Mutex
	bars         map[ledger.LegKey]*barSet
	slots        map[ledger.LegKey]*reservation
	reentry      map[ledger.LegKey]time.Time
	signalBlocks map[ledger.LegKey]map[string]time.Time
	flips        map[flipKey]time.Time

	closeMu sync.Mutex
	closers map[string]*closeGuard
	closing map[closingKey]float64
}

type closingKey struct {
	symbol string
	side   model.Side
}

const closeWaitPoll = 10 * time.Millisecond

// NewCoordinator 创建协调器
func NewCoordinator(cfg service.GuardConfig) *Coordinator {
	limit := rate.Inf
	if cfg.MinSubmitSpacing > 0 {
		limit = rate.Every(cfg.MinSubmitSpacing)
	}
	return &Coordinator{
		cfg:          cfg,
		now:          time.Now,
		limiter:      rate.NewLimiter(limit, 1),
		bars:         make(map[ledger.LegKey]*barSet),
		slots:        make(map[ledger.LegKey]*reservation),
		reentry:      make(map[ledger.LegKey]time.Time),
		signalBlocks: make(map[ledger.LegKey]map[string]time.Time),
		flips:        make(map[flipKey]time.Time),
		closers:      make(map[string]*closeGuard),
		closing:      make(map[closingKey]float64),
	}
}

// SetClock 测试用
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Window 保护窗口 = max(MinWindow, WindowFactor × 周期)
func (c *Coordinator) Window(interval time.Duration) time.Duration {
	w := time.Duration(c.cfg.WindowFactor * float64(interval))
	if w < c.cfg.MinWindow {
		return c.cfg.MinWindow
	}
	return w
}

// Admit 依次检查冷却、信号封禁、K 线签名、slot 预占；通过后 slot 进入 PENDING
func (c *Coordinator) Admit(key ledger.LegKey, bar time.Time, signature string, window time.Duration) Rejection {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, ok := c.reentry[key]; ok {
		if now.Before(until) {
			return RejectReentry
		}
		delete(c.reentry, key)
	}
	if c.signalBlockedLocked(key, signature, now) {
		return RejectSignalBlock
	}
	if r := c.claimBarLocked(key, bar, signature); r != Admitted {
		return r
	}
	if !c.beginOpenLocked(key, signature, window, now) {
		return RejectReserved
	}
	return Admitted
}

// ClaimBar 同一根 K 线内相同签名只允许一次
func (c *Coordinator) ClaimBar(key ledger.LegKey, bar time.Time, signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimBarLocked(key, bar, signature) == Admitted
}

func (c *Coordinator) claimBarLocked(key ledger.LegKey, bar time.Time, signature string) Rejection {
	bs := c.bars[key]
	switch {
	case bs == nil || bar.After(bs.bar):
		bs = &barSet{bar: bar, sigs: make(map[string]struct{})}
		c.bars[key] = bs
	case bar.Before(bs.bar):
		return RejectStaleBar
	}
	if _, seen := bs.sigs[signature]; seen {
		return RejectBar
	}
	bs.sigs[signature] = struct{}{}
	return Admitted
}

// ReleaseBar 提交失败时撤销本根 K 线的签名占用，下个周期可以重新评估
func (c *Coordinator) ReleaseBar(key ledger.LegKey, bar time.Time, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bs := c.bars[key]; bs != nil && bs.bar.Equal(bar) {
		delete(bs.sigs, signature)
	}
}

// BeginOpen FREE -> PENDING
func (c *Coordinator) BeginOpen(key ledger.LegKey, signature string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginOpenLocked(key, signature, window, c.now())
}

func (c *Coordinator) beginOpenLocked(key ledger.LegKey, signature string, window time.Duration, now time.Time) bool {
	r := c.reservationLocked(key)
	prune(r.pending, now, window)
	prune(r.active, now, window)
	if _, ok := r.pending[signature]; ok {
		return false
	}
	if _, ok := r.active[signature]; ok {
		return false
	}
	r.pending[signature] = now
	return true
}

// EndOpen PENDING -> ACTIVE (成功) 或 PENDING -> FREE (失败)
func (c *Coordinator) EndOpen(key ledger.LegKey, signature string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.reservationLocked(key)
	delete(r.pending, signature)
	if success {
		r.active[signature] = c.now()
	}
}

// State 当前预占状态
func (c *Coordinator) State(key ledger.LegKey, signature string, window time.Duration) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.slots[key]
	if r == nil {
		return StateFree
	}
	now := c.now()
	prune(r.pending, now, window)
	prune(r.active, now, window)
	if _, ok := r.pending[signature]; ok {
		return StatePending
	}
	if _, ok := r.active[signature]; ok {
		return StateActive
	}
	return StateFree
}

func (c *Coordinator) reservationLocked(key ledger.LegKey) *reservation {
	r := c.slots[key]
	if r == nil {
		r = &reservation{pending: make(map[string]time.Time), active: make(map[string]time.Time)}
		c.slots[key] = r
	}
	return r
}

func prune(m map[string]time.Time, now time.Time, window time.Duration) {
	for sig, ts := range m {
		if now.Sub(ts) >= window {
			delete(m, sig)
		}
	}
}

// WaitSubmit 全局下单节流，所有交易对共享
func (c *Coordinator) WaitSubmit(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// ArmReentry 止损后禁止该 Leg 重新开仓
func (c *Coordinator) ArmReentry(key ledger.LegKey, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(d)
	if cur, ok := c.reentry[key]; !ok || until.After(cur) {
		c.reentry[key] = until
	}
}

// ReentryRemaining 剩余冷却时间
func (c *Coordinator) ReentryRemaining(key ledger.LegKey) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.reentry[key]
	if !ok {
		return 0
	}
	left := until.Sub(c.now())
	if left <= 0 {
		delete(c.reentry, key)
		return 0
	}
	return left
}

// BlockSignal 对账清理后封禁未确认的信号
func (c *Coordinator) BlockSignal(key ledger.LegKey, signature string, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.signalBlocks[key]
	if m == nil {
		m = make(map[string]time.Time)
		c.signalBlocks[key] = m
	}
	m[signature] = c.now().Add(d)
}

// SignalBlocked 信号是否仍被封禁
func (c *Coordinator) SignalBlocked(key ledger.LegKey, signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalBlockedLocked(key, signature, c.now())
}

func (c *Coordinator) signalBlockedLocked(key ledger.LegKey, signature string, now time.Time) bool {
	m := c.signalBlocks[key]
	until, ok := m[signature]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(m, signature)
	return false
}

// ArmFlipCooldown 反手后该指标 slot 在冷却期内不再反手
func (c *Coordinator) ArmFlipCooldown(symbol, interval, indicator string, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flips[flipKey{symbol, interval, indicator}] = c.now().Add(d)
}

// FlipCooldownRemaining 剩余反手冷却
func (c *Coordinator) FlipCooldownRemaining(symbol, interval, indicator string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := flipKey{symbol, interval, indicator}
	until, ok := c.flips[k]
	if !ok {
		return 0
	}
	left := until.Sub(c.now())
	if left <= 0 {
		delete(c.flips, k)
		return 0
	}
	return left
}

// AcquireClose 每个交易对同一时刻只允许一个方向的平仓流程
// 同一 owner 同方向可重入；另一方向直接拒绝，不排队
func (c *Coordinator) AcquireClose(symbol string, side model.Side, owner string) (release func(), ok bool) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	g := c.closers[symbol]
	switch {
	case g == nil:
		g = &closeGuard{side: side, owner: owner}
		c.closers[symbol] = g
	case g.side != side || g.owner != owner:
		return func() {}, false
	}
	g.depth++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.closeMu.Lock()
			defer c.closeMu.Unlock()
			if cur := c.closers[symbol]; cur == g {
				g.depth--
				if g.depth <= 0 {
					delete(c.closers, symbol)
				}
			}
		})
	}, true
}

// CloseInFlight 当前持有平仓锁的方向
func (c *Coordinator) CloseInFlight(symbol string) (model.Side, int, bool) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if g := c.closers[symbol]; g != nil {
		return g.side, g.depth, true
	}
	return "", 0, false
}

// WaitClose 轮询直到拿到平仓锁或 ctx 结束
func (c *Coordinator) WaitClose(ctx context.Context, symbol string, side model.Side, owner string) (func(), error) {
	ticker := time.NewTicker(closeWaitPoll)
	defer ticker.Stop()
	for {
		if release, ok := c.AcquireClose(symbol, side, owner); ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HoldCloseQty 登记已提交平仓但还没从账本移除的数量
// 必须在下单前登记，账本更新之后再调用返回的 done
func (c *Coordinator) HoldCloseQty(symbol string, side model.Side, qty float64) (done func()) {
	k := closingKey{symbol, side}
	c.closeMu.Lock()
	c.closing[k] += qty
	c.closeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.closeMu.Lock()
			defer c.closeMu.Unlock()
			left := c.closing[k] - qty
			if left <= ledger.QtyEpsilon {
				delete(c.closing, k)
				return
			}
			c.closing[k] = left
		})
	}
}

// PendingCloseQty 正在平仓中的数量
func (c *Coordinator) PendingCloseQty(symbol string, side model.Side) float64 {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closing[closingKey{symbol, side}]
}
