package control

// register 后写者胜寄存器，按 (Clock, Initiator) 比较
type register struct {
	set  bool
	fact Fact
}

func (r *register) offer(f Fact) bool {
	if r.set && !later(f, r.fact) {
		return false
	}
	r.set = true
	r.fact = f
	return true
}

func later(a, b Fact) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Initiator > b.Initiator
}

// machine 两个寄存器：开/关 和 全屏。
// 全屏事实只有比当前生效的 Open 更新时才覆盖 Open 自带的 fullScreen，
// 所以关闭期间的全屏切换不会影响下一次打开
type machine struct {
	lifecycle  register
	fullScreen register
}

func (m *machine) apply(f Fact) {
	switch f.Kind {
	case KindOpen, KindClose:
		m.lifecycle.offer(f)
	case KindFullScreen:
		m.fullScreen.offer(f)
	}
}

func (m *machine) state() State {
	if !m.lifecycle.set || m.lifecycle.fact.Kind != KindOpen {
		return State{}
	}
	open := m.lifecycle.fact
	st := State{Open: true, Initiator: open.Initiator, FullScreen: open.FullScreen}
	if m.fullScreen.set && later(m.fullScreen.fact, open) {
		st.FullScreen = m.fullScreen.fact.FullScreen
	}
	return st
}
