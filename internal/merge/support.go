package merge

import (
	"sort"
	"strconv"

	"github.com/talgya/tribal-census/internal/census"
)

// SupportLedger accumulates support bash per tribe for one world. Upstream
// publishes no tribe support ranking, so it is summed from the player feed
// and injected into the tribe rows of the same cycle.
type SupportLedger struct {
	order  []string
	totals map[string]int64
}

// NewSupportLedger returns an empty ledger.
func NewSupportLedger() *SupportLedger {
	return &SupportLedger{totals: make(map[string]int64)}
}

// Add credits points to a tribe. Players outside any tribe (id 0) are ignored.
func (l *SupportLedger) Add(tribe string, points int64) {
	if tribe == "" || tribe == "0" {
		return
	}
	if _, ok := l.totals[tribe]; !ok {
		l.order = append(l.order, tribe)
	}
	l.totals[tribe] += points
}

// Total returns the accumulated support of a tribe.
func (l *SupportLedger) Total(tribe string) int64 {
	return l.totals[tribe]
}

// Len returns the number of tribes seen.
func (l *SupportLedger) Len() int {
	return len(l.order)
}

// Ranks orders tribes by total, highest first, and returns their 1-based
// rank. Equal totals keep the order in which the tribes were first credited.
func (l *SupportLedger) Ranks() map[string]int {
	sorted := append([]string(nil), l.order...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return l.totals[sorted[i]] > l.totals[sorted[j]]
	})
	ranks := make(map[string]int, len(sorted))
	for i, tribe := range sorted {
		ranks[tribe] = i + 1
	}
	return ranks
}

// Reset forgets every total.
func (l *SupportLedger) Reset() {
	l.order = l.order[:0]
	l.totals = make(map[string]int64)
}

// Reseed rebuilds the ledger from stored player rows.
func (l *SupportLedger) Reseed(s *census.Schema, rows []census.Row) {
	l.Reset()
	group, value := s.Index(s.Group), supportColumn(s)
	if group < 0 || value < 0 {
		return
	}
	for _, r := range rows {
		if len(r.Fields) <= value || len(r.Fields) <= group {
			continue
		}
		points, err := strconv.ParseInt(r.Fields[value], 10, 64)
		if err != nil {
			continue
		}
		l.Add(r.Fields[group], points)
	}
}

func supportColumn(s *census.Schema) int {
	for _, f := range s.Secondary {
		if f.Support {
			return s.Index(f.Value)
		}
	}
	return -1
}

// Cycle holds the state shared by the merges of one ingestion cycle: one
// support ledger per world, filled by the player pass and read by the tribe
// pass.
type Cycle struct {
	support map[string]*SupportLedger
}

// NewCycle prepares ledgers for every world of the cycle. The set is fixed so
// worlds may be merged concurrently.
func NewCycle(worlds []string) *Cycle {
	c := &Cycle{support: make(map[string]*SupportLedger, len(worlds))}
	for _, w := range worlds {
		c.support[w] = NewSupportLedger()
	}
	return c
}

// Support returns the ledger of a world, or nil if the world is not part of
// the cycle.
func (c *Cycle) Support(world string) *SupportLedger {
	return c.support[world]
}

// Close drops every ledger. A closed cycle hands out nil ledgers.
func (c *Cycle) Close() {
	c.support = nil
}
