package sessionclient

import (
	"sync"
	"time"
)

// Signal is one kind of user interaction
type Signal string

const (
	SignalPointer  Signal = "pointer"
	SignalKeyboard Signal = "keyboard"
	SignalScroll   Signal = "scroll"
	SignalTouch    Signal = "touch"
	SignalFocus    Signal = "focus"
	SignalBlur     Signal = "blur"
)

// SignalSource delivers interaction signals until unsubscribed
type SignalSource interface {
	Subscribe(fn func(Signal)) (unsubscribe func())
}

type ActivityConfig struct {
	// InactiveAfter is the idle time that counts as inactive
	InactiveAfter time.Duration
	CheckInterval time.Duration
	// ReportInterval bounds how often activity is reported
	ReportInterval time.Duration
	Page           string
}

// ActivityMonitor tracks the last interaction, reports it at most once per
// ReportInterval and fires OnInactive once per idle episode.
type ActivityMonitor struct {
	cfg        ActivityConfig
	sources    []SignalSource
	report     func(action, page string)
	onInactive func()
	every      Ticker
	now        func() time.Time

	mu           sync.Mutex
	running      bool
	lastActivity time.Time
	lastReport   time.Time
	notified     bool
	unsubs       []func()
	stopCheck    func()
}

type ActivityOption func(*ActivityMonitor)

func WithActivityClock(now func() time.Time, every Ticker) ActivityOption {
	return func(m *ActivityMonitor) {
		m.now = now
		m.every = every
	}
}

func NewActivityMonitor(cfg ActivityConfig, report func(action, page string), onInactive func(), sources []SignalSource, opts ...ActivityOption) *ActivityMonitor {
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 5 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Minute
	}
	m := &ActivityMonitor{
		cfg:        cfg,
		sources:    sources,
		report:     report,
		onInactive: onInactive,
		every:      realTicker,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *ActivityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.lastActivity = m.now()
	m.notified = false
	for _, src := range m.sources {
		m.unsubs = append(m.unsubs, src.Subscribe(m.Record))
	}
	m.stopCheck = m.every(m.cfg.CheckInterval, m.check)
}

// Stop removes every signal subscription and halts the inactivity check.
func (m *ActivityMonitor) Stop() {
	m.mu.Lock()
	unsubs := m.unsubs
	stop := m.stopCheck
	m.unsubs, m.stopCheck = nil, nil
	m.running = false
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if stop != nil {
		stop()
	}
}

// Record notes one interaction.
func (m *ActivityMonitor) Record(sig Signal) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.lastActivity = now
	m.notified = false
	due := m.lastReport.IsZero() || now.Sub(m.lastReport) >= m.cfg.ReportInterval
	if due {
		m.lastReport = now
	}
	m.mu.Unlock()

	if due && m.report != nil {
		m.report(string(sig), m.cfg.Page)
	}
}

func (m *ActivityMonitor) check() {
	m.mu.Lock()
	fire := m.running && !m.notified && m.now().Sub(m.lastActivity) >= m.cfg.InactiveAfter
	if fire {
		m.notified = true
	}
	m.mu.Unlock()

	if fire && m.onInactive != nil {
		m.onInactive()
	}
}

func (m *ActivityMonitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastActivity) < m.cfg.InactiveAfter
}

func (m *ActivityMonitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// LineSource turns each line typed on a terminal into a keyboard signal
type LineSource struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Signal)
}

func NewLineSource() *LineSource {
	return &LineSource{listeners: make(map[int]func(Signal))}
}

func (s *LineSource) Subscribe(fn func(Signal)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Emit delivers sig to every subscriber
func (s *LineSource) Emit(sig Signal) {
	s.mu.Lock()
	fns := make([]func(Signal), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// Listeners counts current subscribers
func (s *LineSource) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
