package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Kind worker 类型
type Kind string

const (
	KindData         Kind = "data"
	KindAutomation   Kind = "automation"
	KindNotification Kind = "notification"
)

// worker 状态常量
const (
	StateStarting       = "starting"
	StatePageInit       = "page_init"
	StateAwaitingOTP    = "awaiting_otp"
	StateReady          = "ready"
	StateServing        = "serving"
	StateRelaunching    = "relaunching"
	StateAwaitingSignal = "awaiting_first_signal"
	StateAlertLoop      = "alert_loop"
	StateIdle           = "idle"
	StateProcessing     = "processing"
	StateStopped        = "stopped"
)

// 事件常量
const (
	EventInitPages   = "init_pages"
	EventNeedOTP     = "need_otp"
	EventBecomeReady = "become_ready"
	EventServe       = "serve"
	EventServed      = "served"
	EventRelaunch    = "relaunch"
	EventRelaunched  = "relaunched"
	EventWaitSignal  = "wait_signal"
	EventStartLoop   = "start_loop"
	EventProcess     = "process"
	EventProcessed   = "processed"
	EventStop        = "stop"
)

// WorkerState worker 状态快照
type WorkerState struct {
	Worker string    `json:"worker"`
	Kind   Kind      `json:"kind"`
	State  string    `json:"state"`
	Since  time.Time `json:"since"`
	Detail string    `json:"detail,omitempty"`
}

func eventsFor(kind Kind) (string, fsm.Events) {
	switch kind {
	case KindData:
		return StateStarting, fsm.Events{
			{Name: EventInitPages, Src: []string{StateStarting}, Dst: StatePageInit},
			{Name: EventNeedOTP, Src: []string{StatePageInit, StateReady}, Dst: StateAwaitingOTP},
			{Name: EventBecomeReady, Src: []string{StatePageInit, StateAwaitingOTP}, Dst: StateReady},
			{Name: EventServe, Src: []string{StateReady}, Dst: StateServing},
			{Name: EventServed, Src: []string{StateServing}, Dst: StateReady},
			{Name: EventRelaunch, Src: []string{StatePageInit, StateAwaitingOTP, StateReady, StateServing}, Dst: StateRelaunching},
			{Name: EventRelaunched, Src: []string{StateRelaunching}, Dst: StatePageInit},
			{Name: EventStop, Src: []string{StateStarting, StatePageInit, StateAwaitingOTP, StateReady, StateServing, StateRelaunching}, Dst: StateStopped},
		}
	case KindAutomation:
		return StateStarting, fsm.Events{
			{Name: EventWaitSignal, Src: []string{StateStarting}, Dst: StateAwaitingSignal},
			{Name: EventStartLoop, Src: []string{StateAwaitingSignal}, Dst: StateAlertLoop},
			{Name: EventStop, Src: []string{StateStarting, StateAwaitingSignal, StateAlertLoop}, Dst: StateStopped},
		}
	default:
		return StateIdle, fsm.Events{
			{Name: EventProcess, Src: []string{StateIdle}, Dst: StateProcessing},
			{Name: EventProcessed, Src: []string{StateProcessing}, Dst: StateIdle},
			{Name: EventStop, Src: []string{StateIdle, StateProcessing}, Dst: StateStopped},
		}
	}
}

// Machine worker 生命周期状态机
type Machine struct {
	mu            sync.RWMutex
	name          string
	kind          Kind
	fsm           *fsm.FSM
	since         time.Time
	detail        string
	onStateChange func(worker, from, to string)
}

// NewMachine 按 worker 类型创建状态机
func NewMachine(name string, kind Kind, onStateChange func(worker, from, to string)) *Machine {
	m := &Machine{
		name:          name,
		kind:          kind,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	initial, events := eventsFor(kind)
	m.fsm = fsm.NewFSM(
		initial,
		events,
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.name, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// Name worker 名
func (m *Machine) Name() string { return m.name }

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态
func (m *Machine) GetState() WorkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return WorkerState{
		Worker: m.name,
		Kind:   m.kind,
		State:  m.fsm.Current(),
		Since:  m.since,
		Detail: m.detail,
	}
}

// SetDetail 附加说明，例如最近一次错误
func (m *Machine) SetDetail(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detail = detail
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.since = time.Now()
	return nil
}

// Fire 当前状态允许时触发事件，返回是否发生了转换
func (m *Machine) Fire(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(event) {
		return false
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return false
	}
	m.since = time.Now()
	return true
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(worker, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(worker, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(name string, kind Kind) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[name]; ok {
		return machine
	}

	machine := NewMachine(name, kind, m.onChange)
	m.machines[name] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(name string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[name]
	return machine, ok
}

// GetAllStates 获取所有 worker 状态
func (m *Manager) GetAllStates() map[string]WorkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]WorkerState, len(m.machines))
	for name, machine := range m.machines {
		states[name] = machine.GetState()
	}
	return states
}
