// Package alert tracks named failure conditions as episodes: an alert key is
// raised (possibly many times) and later resolved; each active interval is
// one episode. The engine keeps a bounded ring of raw events and a bounded
// history of resolved episodes, and fans state changes out to sinks.
package alert

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Severity int

const (
	INFO Severity = iota
	WARN
	ERROR
	CRITICAL
)

func (s Severity) String() string {
	switch s {
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

const (
	recentCapacity         = 50
	episodeHistoryCapacity = 100
	deckMinSeverity        = WARN
	deckMaxItems           = 50
)

// View is a point-in-time copy of one alert's state.
type View struct {
	Key       string   `json:"key"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	FirstSeen int64    `json:"firstSeen"` // start of the current episode, epoch ms
	LastSeen  int64    `json:"lastSeen"`
	Count     int      `json:"count"` // raises within the current episode
	Active    bool     `json:"active"`
}

// Event is one raw raise/resolve transition.
type Event struct {
	Key      string   `json:"key"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Ts       int64    `json:"ts"`
	Type     string   `json:"type"` // "RAISE" or "RESOLVE"
}

// Episode is a finished or still-active alert interval, as shown in the deck.
type Episode struct {
	Key        string   `json:"key"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	StartedAt  int64    `json:"startedAt"`
	LastSeen   int64    `json:"lastSeen"`
	ResolvedAt int64    `json:"resolvedAt,omitempty"` // 0 while active
	Count      int      `json:"count"`
	Active     bool     `json:"active"`
}

// Summary is the standard snapshot: active alerts plus recent raw events.
type Summary struct {
	Active []View  `json:"active"` // sorted by lastSeen desc
	Recent []Event `json:"recent"` // newest first
}

// DeckItem collapses a burst of identical events into one entry.
type DeckItem struct {
	Key      string   `json:"key"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Active   bool     `json:"active"` // last event was a RAISE
	FirstTs  int64    `json:"firstTs"`
	LastTs   int64    `json:"lastTs"`
	Count    int      `json:"count"`
}

// Sink observes committed alert transitions. Implementations must not call
// back into the engine.
type Sink interface {
	OnRaise(a View)
	OnResolve(a View)
}

type record struct {
	key       string
	message   string
	severity  Severity
	active    bool
	firstSeen int64
	lastSeen  int64
	count     int
}

func (r *record) view() View {
	return View{
		Key: r.key, Message: r.message, Severity: r.severity,
		FirstSeen: r.firstSeen, LastSeen: r.lastSeen, Count: r.count,
		Active: r.active,
	}
}

// Engine is the process-wide alert table.
type Engine struct {
	mu      sync.Mutex
	alerts  map[string]*record
	recent  []Event   // oldest first, capped at recentCapacity
	history []Episode // resolved episodes, oldest first, capped
	sinks   []Sink

	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		alerts: make(map[string]*record),
		now:    time.Now,
	}
}

// RegisterSink adds a sink; call during boot, before traffic.
func (e *Engine) RegisterSink(s Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Raise upserts the alert and starts a new episode if it was inactive.
func (e *Engine) Raise(key, message string, sev Severity) {
	now := e.now().UnixMilli()

	e.mu.Lock()
	a, ok := e.alerts[key]
	if !ok {
		a = &record{key: key, firstSeen: now}
		e.alerts[key] = a
	}
	if !a.active {
		a.firstSeen = now
		a.count = 0
	}
	a.active = true
	a.severity = sev
	a.message = message
	a.count++
	a.lastSeen = now
	e.pushEvent(Event{Key: key, Message: message, Severity: sev, Ts: now, Type: "RAISE"})
	v := a.view()
	sinks := e.sinks
	e.mu.Unlock()

	log.Warn().Str("key", key).Stringer("sev", sev).Str("msg", message).Msg("alert_raise")
	for _, s := range sinks {
		s.OnRaise(v)
	}
}

// Resolve closes the episode if the alert was active and records it into
// history when its severity qualifies for the deck.
func (e *Engine) Resolve(key string) {
	now := e.now().UnixMilli()

	e.mu.Lock()
	a, ok := e.alerts[key]
	if !ok || !a.active {
		if ok {
			a.lastSeen = now
		}
		e.mu.Unlock()
		return
	}
	ep := Episode{
		Key: a.key, Message: a.message, Severity: a.severity,
		StartedAt: a.firstSeen, LastSeen: a.lastSeen,
		ResolvedAt: now, Count: a.count,
	}
	a.active = false
	a.lastSeen = now
	e.pushEvent(Event{Key: key, Message: "recovered", Severity: ep.Severity, Ts: now, Type: "RESOLVE"})
	if ep.Severity >= deckMinSeverity {
		e.history = append(e.history, ep)
		if n := len(e.history) - episodeHistoryCapacity; n > 0 {
			e.history = append(e.history[:0], e.history[n:]...)
		}
	}
	v := a.view()
	sinks := e.sinks
	e.mu.Unlock()

	log.Info().Str("key", key).Msg("alert_resolve")
	for _, s := range sinks {
		s.OnResolve(v)
	}
}

// Snapshot returns active alerts (lastSeen desc) and recent events (newest
// first).
func (e *Engine) Snapshot() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	active := make([]View, 0, len(e.alerts))
	for _, a := range e.alerts {
		if a.active {
			active = append(active, a.view())
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].LastSeen > active[j].LastSeen })

	recent := make([]Event, len(e.recent))
	for i, ev := range e.recent {
		recent[len(e.recent)-1-i] = ev
	}
	return Summary{Active: active, Recent: recent}
}

// Deck returns up to min(max(limit, 1), 50) episodes: active WARN+ first (lastSeen
// desc), then resolved history newest-first, deduplicated by
// (key, startedAt).
func (e *Engine) Deck(limit int) []Episode {
	limitN := limit
	if limitN < 1 {
		limitN = 1
	}
	if limitN > deckMaxItems {
		limitN = deckMaxItems
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Episode, 0, limitN)
	var actives []Episode
	for _, a := range e.alerts {
		if a.active && a.severity >= deckMinSeverity {
			actives = append(actives, Episode{
				Key: a.key, Message: a.message, Severity: a.severity,
				StartedAt: a.firstSeen, LastSeen: a.lastSeen,
				Count: a.count, Active: true,
			})
		}
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i].LastSeen > actives[j].LastSeen })
	for _, ep := range actives {
		if len(out) < limitN {
			out = append(out, ep)
		}
	}

	for i := len(e.history) - 1; i >= 0 && len(out) < limitN; i-- {
		ep := e.history[i]
		dup := false
		for _, x := range out {
			if x.Key == ep.Key && x.StartedAt == ep.StartedAt {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ep)
		}
	}
	return out
}

// LatestCollapsed returns the newest event with identical neighbours (same
// key/message/severity/type, consecutive gaps <= gapMs) collapsed into it.
// ok is false when no events exist yet.
func (e *Engine) LatestCollapsed(gapMs int64) (DeckItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.recent) == 0 {
		return DeckItem{}, false
	}
	tail := e.recent[len(e.recent)-1]
	item := DeckItem{
		Key: tail.Key, Message: tail.Message, Severity: tail.Severity,
		Active: tail.Type == "RAISE", FirstTs: tail.Ts, LastTs: tail.Ts, Count: 1,
	}
	for i := len(e.recent) - 2; i >= 0; i-- {
		ev := e.recent[i]
		if ev.Key != tail.Key || ev.Message != tail.Message ||
			ev.Severity != tail.Severity || ev.Type != tail.Type ||
			item.FirstTs-ev.Ts > gapMs {
			break
		}
		item.FirstTs = ev.Ts
		item.Count++
	}
	return item, true
}

// ActiveCount returns the number of active alerts at or above sev.
func (e *Engine) ActiveCount(sev Severity) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, a := range e.alerts {
		if a.active && a.severity >= sev {
			n++
		}
	}
	return n
}

// caller holds e.mu
func (e *Engine) pushEvent(ev Event) {
	e.recent = append(e.recent, ev)
	if n := len(e.recent) - recentCapacity; n > 0 {
		e.recent = append(e.recent[:0], e.recent[n:]...)
	}
}
