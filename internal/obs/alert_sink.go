package obs

import (
	"sync"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
)

// AlertGaugeSink mirrors raise/resolve transitions into the active-alerts
// gauge so alert pressure is visible on /metrics. Severity can change while
// an episode is active, so the sink remembers which label it incremented.
type AlertGaugeSink struct {
	mu     sync.Mutex
	active map[string]string // key -> severity label currently counted
}

func NewAlertGaugeSink() *AlertGaugeSink {
	return &AlertGaugeSink{active: make(map[string]string)}
}

func (s *AlertGaugeSink) OnRaise(a alert.View) {
	label := a.Severity.String()
	s.mu.Lock()
	prev, ok := s.active[a.Key]
	if ok && prev == label {
		s.mu.Unlock()
		return
	}
	s.active[a.Key] = label
	s.mu.Unlock()

	if ok {
		ActiveAlerts.WithLabelValues(prev).Dec()
	}
	ActiveAlerts.WithLabelValues(label).Inc()
}

func (s *AlertGaugeSink) OnResolve(a alert.View) {
	s.mu.Lock()
	prev, ok := s.active[a.Key]
	delete(s.active, a.Key)
	s.mu.Unlock()
	if ok {
		ActiveAlerts.WithLabelValues(prev).Dec()
	}
}
