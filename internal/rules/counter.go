package rules

import (
	"sort"
	"sync"
	"time"
)

// pruneEvery bounds how often idle rate groups are scanned for removal.
const pruneEvery = 4096

// rateGroup keeps the newest timestamps seen for one (rule, group) pair. At
// most threshold are kept: older ones can never change whether the newest
// threshold fall inside the window.
type rateGroup struct {
	window time.Duration
	limit  int
	times  []time.Time // ascending
}

// add records ts and returns how many kept events lie within the window that
// ends at the newest timestamp of the group (both ends inclusive).
func (g *rateGroup) add(ts time.Time) int {
	i := sort.Search(len(g.times), func(i int) bool { return g.times[i].After(ts) })
	g.times = append(g.times, time.Time{})
	copy(g.times[i+1:], g.times[i:])
	g.times[i] = ts
	if over := len(g.times) - g.limit; over > 0 {
		g.times = append(g.times[:0], g.times[over:]...)
	}

	from := g.newest().Add(-g.window)
	n := 0
	for j := len(g.times) - 1; j >= 0 && !g.times[j].Before(from); j-- {
		n++
	}
	return n
}

func (g *rateGroup) newest() time.Time { return g.times[len(g.times)-1] }

// RateCounters holds the counting state of rate rules. Time comes from record
// timestamps, so nothing runs in the background and idle groups are dropped
// lazily. It is safe for concurrent use; classifier partitions share one so
// a group is counted in full no matter which partition saw each record.
type RateCounters struct {
	mu     sync.Mutex
	groups map[counterKey]*rateGroup
	latest time.Time
	adds   int
}

type counterKey struct {
	rule  string
	group string
}

func NewRateCounters() *RateCounters {
	return &RateCounters{groups: make(map[counterKey]*rateGroup)}
}

// Add counts one match of rule for group at ts and returns the windowed total.
func (c *RateCounters) Add(rule Rule, group string, ts time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := counterKey{rule: rule.ID, group: group}
	g := c.groups[key]
	if g == nil {
		g = &rateGroup{window: rule.Window, limit: max(rule.Threshold, 1)}
		c.groups[key] = g
	}
	if ts.After(c.latest) {
		c.latest = ts
	}
	n := g.add(ts)

	c.adds++
	if c.adds%pruneEvery == 0 {
		c.prune()
	}
	return n
}

// Len returns the number of live groups.
func (c *RateCounters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

func (c *RateCounters) prune() {
	for k, g := range c.groups {
		if c.latest.Sub(g.newest()) > g.window {
			delete(c.groups, k)
		}
	}
}
