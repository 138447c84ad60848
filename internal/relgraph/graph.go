// Package relgraph maintains the directed weighted relationship graph of
// lending counterparties and runs the structural collusion checks over it.
//
// The graph is append/update-only: edges are never removed, only decayed, so
// dormant ties fade from consideration without losing history.
package relgraph

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Config holds the graph and detector tuning.
type Config struct {
	DecayHalfLife   time.Duration // edge weight halves after this much inactivity
	CycleMaxDepth   int           // cycle search bound, in hops
	MinInteractions float64       // minimum edge weight for a cycle edge
	PairMultiple    float64       // frequent-pair threshold vs median edge weight
	HubPercentile   float64       // degree percentile for hub candidates
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		DecayHalfLife:   90 * 24 * time.Hour,
		CycleMaxDepth:   6,
		MinInteractions: 2.0,
		PairMultiple:    5.0,
		HubPercentile:   0.95,
	}
}

// Edge is a directed borrower→lender relationship. Weight counts
// transactions between the pair, reduced by decay.
type Edge struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Weight   float64   `json:"weight"`
	LastSeen time.Time `json:"lastSeen"`
}

// Graph is the in-memory adjacency structure. All methods are safe for
// concurrent use.
type Graph struct {
	mu  sync.RWMutex
	cfg Config
	out map[string]map[string]*Edge // from → to → edge
	in  map[string]map[string]*Edge // to → from → edge
}

// NewGraph creates an empty graph.
func NewGraph(cfg Config) *Graph {
	if cfg.CycleMaxDepth <= 0 {
		cfg = DefaultConfig()
	}
	return &Graph{
		cfg: cfg,
		out: make(map[string]map[string]*Edge),
		in:  make(map[string]map[string]*Edge),
	}
}

// Observe upserts the borrower→lender edge: weight incremented, lastSeen
// refreshed. Returns the new weight.
func (g *Graph) Observe(borrower, lender string, at time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.out[borrower][lender]
	if e == nil {
		e = &Edge{From: borrower, To: lender}
		if g.out[borrower] == nil {
			g.out[borrower] = make(map[string]*Edge)
		}
		if g.in[lender] == nil {
			g.in[lender] = make(map[string]*Edge)
		}
		g.out[borrower][lender] = e
		g.in[lender][borrower] = e
	}
	e.Weight++
	if at.After(e.LastSeen) {
		e.LastSeen = at
	}
	return e.Weight
}

// Decay applies multiplicative decay to every edge with no activity in the
// last interval, scaled so an edge halves after one full half-life of
// silence. Returns the number of edges decayed.
func (g *Graph) Decay(now time.Time, interval time.Duration) int {
	if g.cfg.DecayHalfLife <= 0 || interval <= 0 {
		return 0
	}
	factor := math.Pow(0.5, interval.Hours()/g.cfg.DecayHalfLife.Hours())

	g.mu.Lock()
	defer g.mu.Unlock()

	decayed := 0
	cutoff := now.Add(-interval)
	for _, tos := range g.out {
		for _, e := range tos {
			if e.LastSeen.Before(cutoff) {
				e.Weight *= factor
				decayed++
			}
		}
	}
	return decayed
}

// Edge returns a copy of the directed edge, if present.
func (g *Graph) Edge(from, to string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e := g.out[from][to]
	if e == nil {
		return Edge{}, false
	}
	return *e, true
}

// Nodes returns the number of users with at least one edge.
func (g *Graph) Nodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodeSet())
}

// Edges returns the number of directed edges.
func (g *Graph) Edges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, tos := range g.out {
		n += len(tos)
	}
	return n
}

// MedianEdgeWeight returns the population median edge weight, 0 when the
// graph is empty.
func (g *Graph) MedianEdgeWeight() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.medianWeight()
}

// nodeSet collects every user appearing on either end of an edge.
// Caller holds at least a read lock.
func (g *Graph) nodeSet() map[string]struct{} {
	nodes := make(map[string]struct{}, len(g.out)+len(g.in))
	for from := range g.out {
		nodes[from] = struct{}{}
	}
	for to := range g.in {
		nodes[to] = struct{}{}
	}
	return nodes
}

func (g *Graph) medianWeight() float64 {
	var weights []float64
	for _, tos := range g.out {
		for _, e := range tos {
			weights = append(weights, e.Weight)
		}
	}
	if len(weights) == 0 {
		return 0
	}
	sort.Float64s(weights)
	mid := len(weights) / 2
	if len(weights)%2 == 1 {
		return weights[mid]
	}
	return (weights[mid-1] + weights[mid]) / 2
}

// neighbors returns the distinct counterparties of userID, in either
// direction. Caller holds at least a read lock.
func (g *Graph) neighbors(userID string) map[string]struct{} {
	set := make(map[string]struct{})
	for to := range g.out[userID] {
		set[to] = struct{}{}
	}
	for from := range g.in[userID] {
		set[from] = struct{}{}
	}
	return set
}
