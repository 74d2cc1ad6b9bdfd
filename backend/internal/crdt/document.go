package crdt

import (
	"errors"
	"slices"
	"strings"

	"codeCollab/backend/internal/ot/delta"
)

/*
RGA（Replicated Growable Array）结构示例

每个字符是一个 atom，记录插入时左边的字符（origin）和 Lamport 时钟。
并发插入到同一个 origin 之后时，时钟大的排在前面，时钟相同按 peer 排序，
所以任何副本按任何顺序集成，得到的序列都一样。

	head <- h <- i            （Ada 依次输入 "hi"）
	          ^
	          '-- ! (Lin)     （Lin 在 h 后面并发插入 "!"）

删除不移除 atom，只打墓碑（deleted=true），重复删除是 no-op。
*/

type atom struct {
	id      ID
	origin  ID
	clock   uint64
	value   rune
	deleted bool
}

// newer a 是否应该排在 b 前面（同一 origin 下）
func newer(a, b atom) bool {
	if a.clock != b.clock {
		return a.clock > b.clock
	}
	return a.id.Peer > b.id.Peer
}

// Change 每次本地/远端修改成功后推给观察者
type Change struct {
	Text   string        // 修改后的完整可见文本
	Deltas []delta.Delta // 依次应用即可把旧文本变成 Text
	Remote bool
}

type observer struct {
	id int
	fn func(Change)
}

// Document 一份完整副本。非并发安全，由持有者（session / relay room）加锁
type Document struct {
	peer  string
	clock uint64
	atoms []atom
	// 已集成的字符 ID，用于判断依赖是否满足
	chars map[ID]struct{}
	sv    StateVector
	// 按集成顺序保存的全部操作，Diff 时使用
	history []Op
	// 依赖未满足的远端操作（乱序到达），每次集成后重试
	pending []Op

	observers []observer
	nextObs   int
}

func NewDocument(peer string) *Document {
	return &Document{
		peer:  peer,
		chars: make(map[ID]struct{}),
		sv:    make(StateVector),
	}
}

func (d *Document) Peer() string { return d.peer }

// Snapshot 当前可见文本
func (d *Document) Snapshot() string {
	var b strings.Builder
	for _, a := range d.atoms {
		if !a.deleted {
			b.WriteRune(a.value)
		}
	}
	return b.String()
}

func (d *Document) String() string { return d.Snapshot() }

// Len 可见字符数（rune）
func (d *Document) Len() int {
	n := 0
	for _, a := range d.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

func (d *Document) StateVector() StateVector { return d.sv.Clone() }

// Pending 还在等待依赖的远端操作数
func (d *Document) Pending() int { return len(d.pending) }

// Diff 返回持有 sv 的副本缺少的全部操作，保持集成顺序
func (d *Document) Diff(sv StateVector) Update {
	var ops []Op
	for _, op := range d.history {
		if op.ID.Seq > sv.Get(op.ID.Peer) {
			ops = append(ops, op)
		}
	}
	return Update{Ops: ops}
}

// Subscribe 注册观察者，返回取消函数
func (d *Document) Subscribe(fn func(Change)) func() {
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.observers = slices.DeleteFunc(d.observers, func(o observer) bool { return o.id == id })
	}
}

func (d *Document) notify(c Change) {
	for _, o := range slices.Clone(d.observers) {
		o.fn(c)
	}
}

// InsertLocal 在可见位置 pos 插入 text，pos 越界时截断到 [0, Len]
func (d *Document) InsertLocal(pos int, text string) Update {
	if text == "" {
		return Update{}
	}
	pos = max(0, min(pos, d.Len()))
	var origin ID
	if pos > 0 {
		origin = d.visibleID(pos - 1)
	}
	op := Op{
		Kind:   OpInsert,
		ID:     ID{Peer: d.peer, Seq: d.sv.Get(d.peer) + 1},
		Clock:  d.clock + 1,
		Origin: origin,
		Text:   text,
	}
	dl := d.integrate(op)
	d.notify(Change{Text: d.Snapshot(), Deltas: []delta.Delta{dl}})
	return Update{Ops: []Op{op}}
}

// DeleteLocal 删除可见区间 [pos, pos+length)，空区间返回空 Update
func (d *Document) DeleteLocal(pos, length int) Update {
	if length <= 0 {
		return Update{}
	}
	var targets []ID
	vis := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if vis >= pos && vis < pos+length {
			targets = append(targets, a.id)
		}
		vis++
	}
	if len(targets) == 0 {
		return Update{}
	}
	op := Op{
		Kind:    OpDelete,
		ID:      ID{Peer: d.peer, Seq: d.sv.Get(d.peer) + 1},
		Clock:   d.clock + 1,
		Targets: targets,
	}
	dl := d.integrate(op)
	d.notify(Change{Text: d.Snapshot(), Deltas: []delta.Delta{dl}})
	return Update{Ops: []Op{op}}
}

// ApplyRemote 合并远端增量，重复/乱序都可以；结构非法的操作跳过并返回错误，其余照常应用
func (d *Document) ApplyRemote(u Update) (Change, error) {
	var errs []error
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if d.duplicate(op) {
			continue
		}
		d.pending = append(d.pending, op)
	}

	var deltas []delta.Delta
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if op.LastSeq() <= d.sv.Get(op.ID.Peer) {
				continue
			}
			if !d.ready(op) {
				rest = append(rest, op)
				continue
			}
			if dl := d.integrate(op); !dl.Empty() {
				deltas = append(deltas, dl)
			}
			progress = true
		}
		d.pending = rest
	}

	change := Change{Text: d.Snapshot(), Deltas: deltas, Remote: true}
	if len(deltas) > 0 {
		d.notify(change)
	}
	return change, errors.Join(errs...)
}

func (d *Document) duplicate(op Op) bool {
	if op.LastSeq() <= d.sv.Get(op.ID.Peer) {
		return true
	}
	for _, p := range d.pending {
		if p.ID == op.ID {
			return true
		}
	}
	return false
}

// ready 同一 peer 必须按序号连续集成，且 origin / 删除目标已经存在
func (d *Document) ready(op Op) bool {
	if op.ID.Seq != d.sv.Get(op.ID.Peer)+1 {
		return false
	}
	switch op.Kind {
	case OpInsert:
		if op.Origin.IsZero() {
			return true
		}
		_, ok := d.chars[op.Origin]
		return ok
	case OpDelete:
		for _, t := range op.Targets {
			if _, ok := d.chars[t]; !ok {
				return false
			}
		}
	}
	return true
}

func (d *Document) integrate(op Op) delta.Delta {
	var dl delta.Delta
	if op.Kind == OpInsert {
		dl = d.integrateInsert(op)
	} else {
		dl = d.integrateDelete(op)
	}
	d.sv[op.ID.Peer] = op.LastSeq()
	d.clock = max(d.clock, op.Clock+op.Len()-1)
	d.history = append(d.history, op)
	return dl
}

func (d *Document) integrateInsert(op Op) delta.Delta {
	runes := []rune(op.Text)
	batch := make([]atom, len(runes))
	prev := op.Origin
	for k, r := range runes {
		id := ID{Peer: op.ID.Peer, Seq: op.ID.Seq + uint64(k)}
		batch[k] = atom{id: id, origin: prev, clock: op.Clock + uint64(k), value: r}
		d.chars[id] = struct{}{}
		prev = id
	}

	i := 0
	if !op.Origin.IsZero() {
		i = d.indexOf(op.Origin) + 1
	}
	// 跳过同一 origin 下更“新”的兄弟（及其子孙，它们的时钟只会更大）
	for i < len(d.atoms) && newer(d.atoms[i], batch[0]) {
		i++
	}
	// 后续字符的 origin 是前一个字符，不会被别的 atom 隔开，整段连续插入
	vis := d.visibleBefore(i)
	d.atoms = slices.Insert(d.atoms, i, batch...)
	return delta.Delta{}.Retain(vis).Insert(op.Text)
}

func (d *Document) integrateDelete(op Op) delta.Delta {
	targets := make(map[ID]struct{}, len(op.Targets))
	for _, t := range op.Targets {
		targets[t] = struct{}{}
	}
	var dl delta.Delta
	run := 0
	for i := range d.atoms {
		a := &d.atoms[i]
		if a.deleted {
			continue
		}
		if _, hit := targets[a.id]; hit {
			dl = dl.Retain(run).Delete(1)
			run = 0
			a.deleted = true
			continue
		}
		run++
	}
	return dl
}

// Time complexity: O(atoms)
func (d *Document) indexOf(id ID) int {
	for i, a := range d.atoms {
		if a.id == id {
			return i
		}
	}
	return -1
}

func (d *Document) visibleBefore(idx int) int {
	n := 0
	for _, a := range d.atoms[:idx] {
		if !a.deleted {
			n++
		}
	}
	return n
}

// visibleID 第 pos 个可见字符（从 0 开始）的 ID
func (d *Document) visibleID(pos int) ID {
	vis := 0
	for _, a := range d.atoms {
		if a.deleted {
			continue
		}
		if vis == pos {
			return a.id
		}
		vis++
	}
	return ID{}
}
