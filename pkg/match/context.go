package match

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Context carries the statistics of one diff session. Every counter uses
// commutative aggregation (atomic increments) because independent function
// pairs are matched concurrently; the per-step counters are pre-registered
// from the catalogue so the hot path never takes a lock.
type Context struct {
	steps map[string]*atomic.Int64

	mu       sync.Mutex
	overflow map[string]int64 // steps added after construction

	pairsAttempted atomic.Int64
	pairsConverged atomic.Int64
	passesRun      atomic.Int64
	blocksMatched  atomic.Int64
}

// NewContext pre-registers one counter per step name.
func NewContext(stepNames []string) *Context {
	c := &Context{
		steps:    make(map[string]*atomic.Int64, len(stepNames)),
		overflow: make(map[string]int64),
	}
	for _, name := range stepNames {
		c.steps[name] = &atomic.Int64{}
	}
	return c
}

// RecordMatch attributes n accepted pairs to the named step.
func (c *Context) RecordMatch(step string, n int64) {
	c.blocksMatched.Add(n)
	if ctr, ok := c.steps[step]; ok {
		ctr.Add(n)
		return
	}
	c.mu.Lock()
	c.overflow[step] += n
	c.mu.Unlock()
}

// RecordPair notes one function-pair run and whether it converged.
func (c *Context) RecordPair(converged bool) {
	c.pairsAttempted.Add(1)
	if converged {
		c.pairsConverged.Add(1)
	}
}

// RecordPasses adds the pass count of one finished run.
func (c *Context) RecordPasses(n int64) {
	c.passesRun.Add(n)
}

// SessionStats is a point-in-time snapshot of a Context.
type SessionStats struct {
	PairsAttempted int64            `json:"pairs_attempted"`
	PairsConverged int64            `json:"pairs_converged"`
	PassesRun      int64            `json:"passes_run"`
	BlocksMatched  int64            `json:"blocks_matched"`
	PerStep        map[string]int64 `json:"per_step"`
}

// Stats snapshots all counters. Safe to call while workers are running; the
// snapshot is internally consistent per counter, not across counters.
func (c *Context) Stats() SessionStats {
	s := SessionStats{
		PairsAttempted: c.pairsAttempted.Load(),
		PairsConverged: c.pairsConverged.Load(),
		PassesRun:      c.passesRun.Load(),
		BlocksMatched:  c.blocksMatched.Load(),
		PerStep:        make(map[string]int64, len(c.steps)),
	}
	for name, ctr := range c.steps {
		s.PerStep[name] = ctr.Load()
	}
	c.mu.Lock()
	for name, n := range c.overflow {
		s.PerStep[name] += n
	}
	c.mu.Unlock()
	return s
}

// StepNames returns the registered step names sorted, for deterministic
// reporting.
func (s SessionStats) StepNames() []string {
	names := make([]string, 0, len(s.PerStep))
	for name := range s.PerStep {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
