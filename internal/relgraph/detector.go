package relgraph

import (
	"sort"
	"strings"
)

// Pattern identifies the structural test a ring matched.
type Pattern string

const (
	PatternCircular     Pattern = "circular"
	PatternHubSpoke     Pattern = "hub_spoke"
	PatternFrequentPair Pattern = "frequent_pair"
)

// Severity bases per pattern: a closed lending loop is the strongest signal,
// a single overweight pair the weakest.
const (
	baseCircular     = 0.9
	baseHubSpoke     = 0.7
	baseFrequentPair = 0.5
)

// spokeExclusiveShare is the fraction of a hub's spokes that must transact
// only with the hub for the hub-and-spoke test to pass.
const spokeExclusiveShare = 0.5

// minHubSpokes is the smallest spoke count worth calling a hub.
const minHubSpokes = 3

// Ring is a detected structural pattern. Members are sorted, so the
// (pattern, members) pair identifies the ring across re-detections.
type Ring struct {
	Pattern   Pattern
	Members   []string
	Score     float64
	AvgWeight float64
}

// Key returns the stable identity of the ring.
func (r Ring) Key() string {
	return string(r.Pattern) + ":" + strings.Join(r.Members, ",")
}

// Detect runs the three structural checks around userID and returns every
// pattern that passes. Detection is local to the affected node: graph-wide
// sweeps never run on the event path.
func (g *Graph) Detect(userID string) []Ring {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var rings []Ring
	rings = append(rings, g.detectCycles(userID)...)
	if r, ok := g.detectHub(userID); ok {
		rings = append(rings, r)
	}
	rings = append(rings, g.detectFrequentPairs(userID)...)
	return rings
}

// detectCycles finds closed loops through start along edges of at least
// MinInteractions weight, bounded at CycleMaxDepth hops.
func (g *Graph) detectCycles(start string) []Ring {
	var rings []Ring
	seen := make(map[string]struct{})
	path := []string{start}
	weights := []float64{}

	var dfs func(node string, depth int)
	dfs = func(node string, depth int) {
		if depth >= g.cfg.CycleMaxDepth {
			return
		}
		for to, e := range g.out[node] {
			if e.Weight < g.cfg.MinInteractions {
				continue
			}
			if to == start && len(path) >= 2 {
				ring := newRing(PatternCircular, path, append(weights, e.Weight), g.cfg.MinInteractions)
				if _, dup := seen[ring.Key()]; !dup {
					seen[ring.Key()] = struct{}{}
					rings = append(rings, ring)
				}
				continue
			}
			if onPath(path, to) {
				continue
			}
			path = append(path, to)
			weights = append(weights, e.Weight)
			dfs(to, depth+1)
			path = path[:len(path)-1]
			weights = weights[:len(weights)-1]
		}
	}
	dfs(start, 0)
	return rings
}

func onPath(path []string, node string) bool {
	for _, p := range path {
		if p == node {
			return true
		}
	}
	return false
}

// detectHub tests whether userID is a hub: degree at or above the population
// percentile, with most spokes transacting only with the hub.
func (g *Graph) detectHub(userID string) (Ring, bool) {
	spokes := g.neighbors(userID)
	if len(spokes) < minHubSpokes {
		return Ring{}, false
	}

	nodes := g.nodeSet()
	degrees := make([]int, 0, len(nodes))
	for n := range nodes {
		degrees = append(degrees, len(g.neighbors(n)))
	}
	sort.Ints(degrees)
	idx := int(g.cfg.HubPercentile * float64(len(degrees)))
	if idx >= len(degrees) {
		idx = len(degrees) - 1
	}
	if len(spokes) < degrees[idx] {
		return Ring{}, false
	}

	var exclusive []string
	var weights []float64
	for spoke := range spokes {
		sn := g.neighbors(spoke)
		if len(sn) != 1 {
			continue
		}
		exclusive = append(exclusive, spoke)
		if e := g.out[spoke][userID]; e != nil {
			weights = append(weights, e.Weight)
		}
		if e := g.out[userID][spoke]; e != nil {
			weights = append(weights, e.Weight)
		}
	}
	if float64(len(exclusive)) < spokeExclusiveShare*float64(len(spokes)) || len(exclusive) < 2 {
		return Ring{}, false
	}

	members := append(exclusive, userID)
	return newRing(PatternHubSpoke, members, weights, g.cfg.MinInteractions), true
}

// detectFrequentPairs flags edges touching userID whose weight exceeds
// PairMultiple times the population median.
func (g *Graph) detectFrequentPairs(userID string) []Ring {
	median := g.medianWeight()
	if median <= 0 {
		return nil
	}
	limit := g.cfg.PairMultiple * median

	var rings []Ring
	check := func(e *Edge) {
		if e.Weight > limit {
			rings = append(rings, newRing(PatternFrequentPair,
				[]string{e.From, e.To}, []float64{e.Weight}, g.cfg.MinInteractions))
		}
	}
	for _, e := range g.out[userID] {
		check(e)
	}
	for _, e := range g.in[userID] {
		check(e)
	}
	return rings
}

// newRing builds a ring with sorted members and a score from pattern
// severity plus the average weight of the edges involved.
func newRing(p Pattern, members []string, weights []float64, minInteractions float64) Ring {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.Strings(sorted)

	var avg float64
	if len(weights) > 0 {
		for _, w := range weights {
			avg += w
		}
		avg /= float64(len(weights))
	}

	base := baseFrequentPair
	switch p {
	case PatternCircular:
		base = baseCircular
	case PatternHubSpoke:
		base = baseHubSpoke
	}

	boost := 0.0
	if minInteractions > 0 {
		boost = avg / (4 * minInteractions)
		if boost > 1 {
			boost = 1
		}
	}
	score := base + 0.1*boost
	if score > 1 {
		score = 1
	}

	return Ring{Pattern: p, Members: sorted, Score: score, AvgWeight: avg}
}
