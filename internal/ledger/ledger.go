package ledger

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
)

// QtyEpsilon 数量小于该值视为 0
const QtyEpsilon = 1e-9

// LegKey 聚合仓位键 (symbol, interval, side)
type LegKey struct {
	Symbol   string
	Interval string
	Side     model.Side
}

func (k LegKey) String() string {
	return k.Symbol + "@" + k.Interval + ":" + string(k.Side)
}

// SlotKey 互斥单元 (symbol, interval, indicator, side)
type SlotKey struct {
	Symbol    string
	Interval  string
	Indicator string
	Side      model.Side
}

// Leg 返回所属 LegKey
func (s SlotKey) Leg() LegKey {
	return LegKey{Symbol: s.Symbol, Interval: s.Interval, Side: s.Side}
}

func (s SlotKey) String() string {
	return s.Symbol + "@" + s.Interval + "/" + s.Indicator + ":" + string(s.Side)
}

// Entry 一笔成交 (lot)
type Entry struct {
	LedgerID   string
	Qty        float64
	EntryPrice float64
	Margin     float64
	Leverage   int
	Signature  []string
	OpenedAt   time.Time
}

// HasToken 签名中是否包含指标
func (e Entry) HasToken(indicator string) bool {
	for _, tok := range e.Signature {
		if tok == indicator {
			return true
		}
	}
	return false
}

// Leg 聚合仓位快照
type Leg struct {
	Key         LegKey
	Qty         float64
	EntryPrice  float64
	Margin      float64
	LastUpdated time.Time
	Entries     []Entry
}

// BookRecord TradeBook 中一条记录
type BookRecord struct {
	Qty        float64
	Timestamp  time.Time
	EntryPrice float64
	Margin     float64
}

// Removed 被移除的条目及其所属 Leg
type Removed struct {
	Key   LegKey
	Entry Entry
}

type indicatorKey struct {
	Symbol    string
	Interval  string
	Indicator string
}

type signatureKey struct {
	Leg       LegKey
	Signature string
}

// 条目存放在 arena 中，通过 ledger_id -> 下标 O(1) 定位
type arenaSlot struct {
	entry Entry
	key   LegKey
	used  bool
}

type legState struct {
	idx     []int
	qty     float64
	price   float64
	margin  float64
	updated time.Time
}

// Ledger 进程内持仓账本
// 锁顺序固定为 legMu -> stateMu -> bookMu
type Ledger struct {
	now func() time.Time

	legMu sync.RWMutex
	arena []arenaSlot
	free  []int
	byID  map[string]int
	legs  map[LegKey]*legState

	stateMu sync.RWMutex
	state   map[indicatorKey]map[model.Side]map[string]struct{}

	bookMu  sync.RWMutex
	book    map[SlotKey]map[string]BookRecord
	sigOpen map[signatureKey]int
}

// New 创建空账本
func New() *Ledger {
	return &Ledger{
		now:     time.Now,
		byID:    make(map[string]int),
		legs:    make(map[LegKey]*legState),
		state:   make(map[indicatorKey]map[model.Side]map[string]struct{}),
		book:    make(map[SlotKey]map[string]BookRecord),
		sigOpen: make(map[signatureKey]int),
	}
}

// SetClock 测试用
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// NormalizeSignature 去重、小写、排序
func NormalizeSignature(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SignatureString 签名的规范字符串形式
func SignatureString(tokens []string) string {
	return strings.Join(NormalizeSignature(tokens), "+")
}

// AppendEntry 登记一笔确认成交，返回是否写入
func (l *Ledger) AppendEntry(key LegKey, e Entry) bool {
	if !key.Side.Valid() || e.LedgerID == "" || !(e.Qty > QtyEpsilon) {
		return false
	}
	e.Signature = NormalizeSignature(e.Signature)
	e.Margin = math.Max(e.Margin, 0)
	if e.OpenedAt.IsZero() {
		e.OpenedAt = l.now()
	}

	l.legMu.Lock()
	defer l.legMu.Unlock()

	if _, dup := l.byID[e.LedgerID]; dup {
		return false
	}

	var i int
	if n := len(l.free); n > 0 {
		i = l.free[n-1]
		l.free = l.free[:n-1]
		l.arena[i] = arenaSlot{entry: e, key: key, used: true}
	} else {
		i = len(l.arena)
		l.arena = append(l.arena, arenaSlot{entry: e, key: key, used: true})
	}
	l.byID[e.LedgerID] = i

	leg := l.legs[key]
	if leg == nil {
		leg = &legState{}
		l.legs[key] = leg
	}
	leg.idx = append(leg.idx, i)
	l.recomputeLocked(key)

	l.registerLocked(key, e)
	return true
}

// RemoveEntry 移除一笔条目，不存在时返回 nil
func (l *Ledger) RemoveEntry(key LegKey, ledgerID string) []Entry {
	l.legMu.Lock()
	defer l.legMu.Unlock()

	i, ok := l.byID[ledgerID]
	if !ok || l.arena[i].key != key {
		return nil
	}
	e := l.removeLocked(i)
	l.recomputeLocked(key)
	return []Entry{e}
}

// RemoveLeg 移除某个 Leg 下的全部条目
func (l *Ledger) RemoveLeg(key LegKey) []Entry {
	l.legMu.Lock()
	defer l.legMu.Unlock()

	leg := l.legs[key]
	if leg == nil {
		return nil
	}
	idx := append([]int(nil), leg.idx...)
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.removeLocked(i))
	}
	l.recomputeLocked(key)
	return out
}

// RemoveSymbolSide 移除一个交易对某方向在所有周期上的条目
func (l *Ledger) RemoveSymbolSide(symbol string, side model.Side) []Removed {
	l.legMu.Lock()
	defer l.legMu.Unlock()

	var out []Removed
	for _, key := range l.sortedKeysLocked() {
		if key.Symbol != symbol || key.Side != side {
			continue
		}
		idx := append([]int(nil), l.legs[key].idx...)
		for _, i := range idx {
			out = append(out, Removed{Key: key, Entry: l.removeLocked(i)})
		}
		l.recomputeLocked(key)
	}
	return out
}

// DecrementEntryQty 部分平仓后减少条目数量，保证金按比例缩放
// 剩余数量约为 0 时移除条目
func (l *Ledger) DecrementEntryQty(key LegKey, ledgerID string, newQty float64) (Entry, bool) {
	l.legMu.Lock()
	defer l.legMu.Unlock()

	i, ok := l.byID[ledgerID]
	if !ok || l.arena[i].key != key {
		return Entry{}, false
	}
	if !(newQty > QtyEpsilon) {
		e := l.removeLocked(i)
		e.Qty = 0
		l.recomputeLocked(key)
		return e, true
	}

	e := &l.arena[i].entry
	if newQty >= e.Qty {
		return *e, false
	}
	l.rescaleLocked(i, newQty)
	l.recomputeLocked(key)
	return l.arena[i].entry, true
}

// ScaleSymbolSide 把某交易对某方向的总数量按比例缩放到 targetQty
func (l *Ledger) ScaleSymbolSide(symbol string, side model.Side, targetQty float64) int {
	l.legMu.Lock()
	defer l.legMu.Unlock()

	var total float64
	var keys []LegKey
	for _, key := range l.sortedKeysLocked() {
		if key.Symbol == symbol && key.Side == side {
			total += l.legs[key].qty
			keys = append(keys, key)
		}
	}
	if total <= QtyEpsilon || targetQty >= total-QtyEpsilon {
		return 0
	}
	if targetQty < 0 {
		targetQty = 0
	}

	ratio := targetQty / total
	changed := 0
	for _, key := range keys {
		idx := append([]int(nil), l.legs[key].idx...)
		for _, i := range idx {
			newQty := l.arena[i].entry.Qty * ratio
			if newQty > QtyEpsilon {
				l.rescaleLocked(i, newQty)
			} else {
				l.removeLocked(i)
			}
			changed++
		}
		l.recomputeLocked(key)
	}
	return changed
}

func (l *Ledger) rescaleLocked(i int, newQty float64) {
	s := &l.arena[i]
	old := s.entry.Qty
	if old > 0 {
		s.entry.Margin *= newQty / old
	}
	s.entry.Qty = newQty

	l.bookMu.Lock()
	for _, tok := range s.entry.Signature {
		slot := SlotKey{Symbol: s.key.Symbol, Interval: s.key.Interval, Indicator: tok, Side: s.key.Side}
		if rec, ok := l.book[slot][s.entry.LedgerID]; ok {
			rec.Qty = newQty
			rec.Margin = s.entry.Margin
			l.book[slot][s.entry.LedgerID] = rec
		}
	}
	l.bookMu.Unlock()
}

// removeLocked 回收 arena 槽位并撤销索引，调用方负责 recompute
func (l *Ledger) removeLocked(i int) Entry {
	s := l.arena[i]
	delete(l.byID, s.entry.LedgerID)
	if leg := l.legs[s.key]; leg != nil {
		for j, v := range leg.idx {
			if v == i {
				leg.idx = append(leg.idx[:j], leg.idx[j+1:]...)
				break
			}
		}
	}
	l.arena[i] = arenaSlot{}
	l.free = append(l.free, i)

	l.unregisterLocked(s.key, s.entry)
	return s.entry
}

// recomputeLocked 唯一的 Leg 汇总入口，每次变更后调用
func (l *Ledger) recomputeLocked(key LegKey) {
	leg := l.legs[key]
	if leg == nil {
		return
	}
	if len(leg.idx) == 0 {
		delete(l.legs, key)
		return
	}
	var qty, notional, margin float64
	for _, i := range leg.idx {
		e := l.arena[i].entry
		qty += e.Qty
		notional += e.Qty * e.EntryPrice
		margin += e.Margin
	}
	leg.qty = qty
	leg.margin = margin
	leg.price = 0
	if qty > 0 {
		leg.price = notional / qty
	}
	leg.updated = l.now()
}

func (l *Ledger) registerLocked(key LegKey, e Entry) {
	l.stateMu.Lock()
	for _, tok := range e.Signature {
		ik := indicatorKey{Symbol: key.Symbol, Interval: key.Interval, Indicator: tok}
		sides := l.state[ik]
		if sides == nil {
			sides = make(map[model.Side]map[string]struct{}, 2)
			l.state[ik] = sides
		}
		if sides[key.Side] == nil {
			sides[key.Side] = make(map[string]struct{})
		}
		sides[key.Side][e.LedgerID] = struct{}{}
	}
	l.stateMu.Unlock()

	l.bookMu.Lock()
	for _, tok := range e.Signature {
		slot := SlotKey{Symbol: key.Symbol, Interval: key.Interval, Indicator: tok, Side: key.Side}
		if l.book[slot] == nil {
			l.book[slot] = make(map[string]BookRecord)
		}
		l.book[slot][e.LedgerID] = BookRecord{Qty: e.Qty, Timestamp: e.OpenedAt, EntryPrice: e.EntryPrice, Margin: e.Margin}
	}
	l.sigOpen[signatureKey{Leg: key, Signature: strings.Join(e.Signature, "+")}]++
	l.bookMu.Unlock()
}

func (l *Ledger) unregisterLocked(key LegKey, e Entry) {
	l.stateMu.Lock()
	for _, tok := range e.Signature {
		ik := indicatorKey{Symbol: key.Symbol, Interval: key.Interval, Indicator: tok}
		if sides := l.state[ik]; sides != nil {
			delete(sides[key.Side], e.LedgerID)
			if len(sides[key.Side]) == 0 {
				delete(sides, key.Side)
			}
			if len(sides) == 0 {
				delete(l.state, ik)
			}
		}
	}
	l.stateMu.Unlock()

	l.bookMu.Lock()
	for _, tok := range e.Signature {
		slot := SlotKey{Symbol: key.Symbol, Interval: key.Interval, Indicator: tok, Side: key.Side}
		if recs := l.book[slot]; recs != nil {
			delete(recs, e.LedgerID)
			if len(recs) == 0 {
				delete(l.book, slot)
			}
		}
	}
	sk := signatureKey{Leg: key, Signature: strings.Join(e.Signature, "+")}
	if l.sigOpen[sk] <= 1 {
		delete(l.sigOpen, sk)
	} else {
		l.sigOpen[sk]--
	}
	l.bookMu.Unlock()
}

func (l *Ledger) sortedKeysLocked() []LegKey {
	keys := make([]LegKey, 0, len(l.legs))
	for k := range l.legs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// OpenQty 某个 slot 的未平仓数量，只读 TradeBook
func (l *Ledger) OpenQty(slot SlotKey) float64 {
	l.bookMu.RLock()
	defer l.bookMu.RUnlock()

	var qty float64
	for _, rec := range l.book[slot] {
		qty += rec.Qty
	}
	return qty
}

// HasOpen slot 是否有持仓
func (l *Ledger) HasOpen(slot SlotKey) bool {
	return l.OpenQty(slot) > QtyEpsilon
}

// CommittedMargin slot 已占用保证金
func (l *Ledger) CommittedMargin(slot SlotKey) float64 {
	l.bookMu.RLock()
	defer l.bookMu.RUnlock()

	var margin float64
	for _, rec := range l.book[slot] {
		margin += rec.Margin
	}
	return margin
}

// BookRecords slot 的 TradeBook 副本
func (l *Ledger) BookRecords(slot SlotKey) map[string]BookRecord {
	l.bookMu.RLock()
	defer l.bookMu.RUnlock()

	out := make(map[string]BookRecord, len(l.book[slot]))
	for id, rec := range l.book[slot] {
		out[id] = rec
	}
	return out
}

// OpenSignatureCount 某 Leg 上以该签名开仓的条目数
func (l *Ledger) OpenSignatureCount(key LegKey, signature []string) int {
	sk := signatureKey{Leg: key, Signature: SignatureString(signature)}

	l.bookMu.RLock()
	defer l.bookMu.RUnlock()
	return l.sigOpen[sk]
}

// IndicatorLedgerIDs IndicatorState 中某方向登记的 ledger_id
func (l *Ledger) IndicatorLedgerIDs(symbol, interval, indicator string, side model.Side) []string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()

	set := l.state[indicatorKey{Symbol: symbol, Interval: interval, Indicator: indicator}][side]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TotalQtyForSide Leg 总数量
func (l *Ledger) TotalQtyForSide(key LegKey) float64 {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	if leg := l.legs[key]; leg != nil {
		return leg.qty
	}
	return 0
}

// SymbolSideQty 一个交易对某方向在所有周期上的总数量
func (l *Ledger) SymbolSideQty(symbol string, side model.Side) float64 {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	var qty float64
	for key, leg := range l.legs {
		if key.Symbol == symbol && key.Side == side {
			qty += leg.qty
		}
	}
	return qty
}

// TotalMargin 账本中全部已占用保证金
func (l *Ledger) TotalMargin() float64 {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	var margin float64
	for _, leg := range l.legs {
		margin += leg.margin
	}
	return margin
}

// Leg 返回 Leg 快照
func (l *Ledger) Leg(key LegKey) (Leg, bool) {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	leg := l.legs[key]
	if leg == nil {
		return Leg{Key: key}, false
	}
	return l.snapshotLocked(key, leg), true
}

// Legs 全部 Leg 快照，可按 symbol 过滤 (空字符串表示全部)
func (l *Ledger) Legs(symbol string) []Leg {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	var out []Leg
	for _, key := range l.sortedKeysLocked() {
		if symbol != "" && key.Symbol != symbol {
			continue
		}
		out = append(out, l.snapshotLocked(key, l.legs[key]))
	}
	return out
}

// Symbols 当前有持仓的交易对
func (l *Ledger) Symbols() []string {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	seen := make(map[string]struct{})
	for key := range l.legs {
		seen[key.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SlotEntries slot 中登记的条目
func (l *Ledger) SlotEntries(slot SlotKey) []Entry {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	leg := l.legs[slot.Leg()]
	if leg == nil {
		return nil
	}
	var out []Entry
	for _, i := range leg.idx {
		if e := l.arena[i].entry; e.HasToken(slot.Indicator) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// Entry 按 ledger_id 查找
func (l *Ledger) Entry(ledgerID string) (LegKey, Entry, bool) {
	l.legMu.RLock()
	defer l.legMu.RUnlock()

	i, ok := l.byID[ledgerID]
	if !ok {
		return LegKey{}, Entry{}, false
	}
	return l.arena[i].key, cloneEntry(l.arena[i].entry), true
}

func (l *Ledger) snapshotLocked(key LegKey, leg *legState) Leg {
	out := Leg{
		Key:         key,
		Qty:         leg.qty,
		EntryPrice:  leg.price,
		Margin:      leg.margin,
		LastUpdated: leg.updated,
		Entries:     make([]Entry, 0, len(leg.idx)),
	}
	for _, i := range leg.idx {
		out.Entries = append(out.Entries, cloneEntry(l.arena[i].entry))
	}
	return out
}

func cloneEntry(e Entry) Entry {
	e.Signature = append([]string(nil), e.Signature...)
	return e
}

// Verify 校验 Leg 数量等于条目数量之和，并且 TradeBook 与 arena 一致
func (l *Ledger) Verify() error {
	l.legMu.RLock()
	defer l.legMu.RUnlock()
	l.bookMu.RLock()
	defer l.bookMu.RUnlock()

	for key, leg := range l.legs {
		var sum float64
		for _, i := range leg.idx {
			s := l.arena[i]
			if !s.used || s.key != key {
				return fmt.Errorf("leg %s references foreign slot %d", key, i)
			}
			if s.entry.Qty < 0 || s.entry.Margin < 0 {
				return fmt.Errorf("entry %s has negative qty or margin", s.entry.LedgerID)
			}
			sum += s.entry.Qty
		}
		if math.Abs(sum-leg.qty) > QtyEpsilon {
			return fmt.Errorf("leg %s qty %.12f != sum of entries %.12f", key, leg.qty, sum)
		}
	}
	for slot, recs := range l.book {
		for id := range recs {
			i, ok := l.byID[id]
			if !ok || l.arena[i].key != slot.Leg() {
				return fmt.Errorf("trade book %s holds unknown ledger id %s", slot, id)
			}
		}
	}
	return nil
}
