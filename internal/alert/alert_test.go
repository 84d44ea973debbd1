package alert

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) now() time.Time          { return time.UnixMilli(c.ms) }
func (c *fakeClock) advance(d time.Duration) { c.ms += d.Milliseconds() }

func newTestEngine() (*Engine, *fakeClock) {
	e := NewEngine()
	c := &fakeClock{ms: 1_000_000}
	e.now = c.now
	return e, c
}

type recordingSink struct {
	raises   []View
	resolves []View
}

func (s *recordingSink) OnRaise(a View)   { s.raises = append(s.raises, a) }
func (s *recordingSink) OnResolve(a View) { s.resolves = append(s.resolves, a) }

func TestEpisodeAccounting(t *testing.T) {
	e, c := newTestEngine()

	for i := 0; i < 5; i++ {
		e.Raise("METER_STALE", "no data", ERROR)
		c.advance(time.Second)
	}
	e.Resolve("METER_STALE")

	deck := e.Deck(10)
	if len(deck) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(deck))
	}
	ep := deck[0]
	if ep.Count != 5 || ep.Active || ep.ResolvedAt == 0 {
		t.Fatalf("episode wrong: %+v", ep)
	}
	if ep.StartedAt != 1_000_000 {
		t.Fatalf("startedAt should be first raise, got %d", ep.StartedAt)
	}
}

func TestReRaiseStartsNewEpisode(t *testing.T) {
	e, c := newTestEngine()

	e.Raise("SOLIS_DOWN", "http 500", WARN)
	e.Resolve("SOLIS_DOWN")
	c.advance(time.Minute)
	e.Raise("SOLIS_DOWN", "http 502", WARN)

	snap := e.Snapshot()
	if len(snap.Active) != 1 {
		t.Fatalf("expected 1 active, got %d", len(snap.Active))
	}
	a := snap.Active[0]
	if a.Count != 1 {
		t.Fatalf("count must reset on new episode, got %d", a.Count)
	}
	if a.FirstSeen != 1_000_000+60_000 {
		t.Fatalf("firstSeen must reset on new episode, got %d", a.FirstSeen)
	}
}

func TestResolveInactiveIsNoop(t *testing.T) {
	e, _ := newTestEngine()
	e.Resolve("NEVER_RAISED")
	e.Raise("K", "m", WARN)
	e.Resolve("K")
	e.Resolve("K")
	if len(e.Deck(10)) != 1 {
		t.Fatalf("double resolve must not add episodes")
	}
	if n := len(e.Snapshot().Recent); n != 2 {
		t.Fatalf("double resolve must not emit events, got %d", n)
	}
}

func TestInfoEpisodesSkipHistory(t *testing.T) {
	e, _ := newTestEngine()
	e.Raise("NOTE", "fyi", INFO)
	e.Resolve("NOTE")
	if len(e.Deck(10)) != 0 {
		t.Fatalf("INFO episodes must not enter the deck history")
	}
}

func TestEventRingCapacity(t *testing.T) {
	e, c := newTestEngine()
	for i := 0; i < 120; i++ {
		e.Raise("K", fmt.Sprintf("m%d", i), WARN)
		c.advance(time.Second)
	}
	snap := e.Snapshot()
	if len(snap.Recent) != 50 {
		t.Fatalf("ring must cap at 50, got %d", len(snap.Recent))
	}
	if snap.Recent[0].Message != "m119" {
		t.Fatalf("recent must be newest first, got %q", snap.Recent[0].Message)
	}
}

func TestDeckCapAndDedup(t *testing.T) {
	e, c := newTestEngine()
	for i := 0; i < 60; i++ {
		key := fmt.Sprintf("K%d", i)
		e.Raise(key, "m", ERROR)
		c.advance(time.Second)
		e.Resolve(key)
		c.advance(time.Second)
	}
	e.Raise("K59", "again", ERROR)

	deck := e.Deck(1000)
	if len(deck) > 50 {
		t.Fatalf("deck must cap at 50, got %d", len(deck))
	}
	seen := map[string]bool{}
	for _, ep := range deck {
		k := fmt.Sprintf("%s@%d", ep.Key, ep.StartedAt)
		if seen[k] {
			t.Fatalf("duplicate (key, startedAt): %s", k)
		}
		seen[k] = true
	}
	if !deck[0].Active || deck[0].Key != "K59" {
		t.Fatalf("active episodes must come first, got %+v", deck[0])
	}

	if n := len(e.Deck(0)); n != 1 {
		t.Fatalf("limit 0 must clamp to 1, got %d", n)
	}
}

func TestLatestCollapsed(t *testing.T) {
	e, c := newTestEngine()
	if _, ok := e.LatestCollapsed(5000); ok {
		t.Fatalf("empty ring must report no item")
	}

	e.Raise("A", "other", WARN)
	c.advance(10 * time.Second)
	for i := 0; i < 3; i++ {
		e.Raise("B", "burst", ERROR)
		c.advance(time.Second)
	}

	item, ok := e.LatestCollapsed(5000)
	if !ok {
		t.Fatalf("expected an item")
	}
	if item.Key != "B" || item.Count != 3 || !item.Active {
		t.Fatalf("collapse wrong: %+v", item)
	}
	if item.LastTs-item.FirstTs != 2000 {
		t.Fatalf("outer timestamps wrong: %+v", item)
	}

	// A wide gap breaks the burst.
	c.advance(time.Minute)
	e.Raise("B", "burst", ERROR)
	item, _ = e.LatestCollapsed(5000)
	if item.Count != 1 {
		t.Fatalf("gap beyond window must not collapse, got %d", item.Count)
	}
}

func TestSinksSeeCommittedState(t *testing.T) {
	e, _ := newTestEngine()
	sink := &recordingSink{}
	e.RegisterSink(sink)

	e.Raise("K", "m", ERROR)
	e.Resolve("K")

	if len(sink.raises) != 1 || !sink.raises[0].Active {
		t.Fatalf("raise sink wrong: %+v", sink.raises)
	}
	if len(sink.resolves) != 1 || sink.resolves[0].Active {
		t.Fatalf("resolve sink wrong: %+v", sink.resolves)
	}
}
