package knowledge

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Index is an append-only approximate nearest-neighbor index over the
// embedding space: an HNSW-style layered proximity graph, so a query costs
// roughly logarithmic work instead of a linear scan. Entries are immutable
// once added; there is no delete path.
type Index struct {
	mu             sync.RWMutex
	m              int // neighbors kept per node per layer
	efConstruction int
	efSearch       int
	levelFactor    float64
	rng            *rand.Rand

	nodes    []indexNode
	byID     map[string]int
	entry    int // node offset of the entry point, -1 while empty
	maxLevel int
}

type indexNode struct {
	id        string
	vec       []float32
	neighbors [][]int // per level, node offsets
}

// Match is one scored index hit.
type Match struct {
	ID    string
	Score float64
}

// NewIndex creates an empty index. m and ef parameters follow the usual
// HNSW defaults when zero.
func NewIndex(m, efConstruction, efSearch int) *Index {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 64
	}
	if efSearch <= 0 {
		efSearch = 48
	}
	return &Index{
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		levelFactor:    1 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(1)),
		byID:           make(map[string]int),
		entry:          -1,
	}
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// Add indexes vec under id. The vector is stored as given; similarity is
// cosine, so callers may pass unnormalized vectors.
func (ix *Index) Add(id string, vec []float32) error {
	if id == "" {
		return errors.New("empty index id")
	}
	if len(vec) == 0 {
		return errors.Errorf("empty vector for %s", id)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, dup := ix.byID[id]; dup {
		return errors.Errorf("id %s already indexed", id)
	}

	level := ix.randomLevel()
	node := indexNode{id: id, vec: vec, neighbors: make([][]int, level+1)}
	offset := len(ix.nodes)
	ix.nodes = append(ix.nodes, node)
	ix.byID[id] = offset

	if ix.entry < 0 {
		ix.entry = offset
		ix.maxLevel = level
		return nil
	}

	// Greedy descent through layers above the new node's level.
	cur := ix.entry
	for l := ix.maxLevel; l > level; l-- {
		cur = ix.greedyStep(vec, cur, l)
	}

	// Beam search and bidirectional linking from min(level, maxLevel) down.
	eps := []int{cur}
	top := level
	if top > ix.maxLevel {
		top = ix.maxLevel
	}
	for l := top; l >= 0; l-- {
		found := ix.searchLayer(vec, eps, ix.efConstruction, l)
		limit := ix.m
		if l == 0 {
			limit = 2 * ix.m
		}
		for i, cand := range found {
			if i >= ix.m {
				break
			}
			ix.nodes[offset].neighbors[l] = append(ix.nodes[offset].neighbors[l], cand.offset)
			ix.link(cand.offset, offset, l, limit)
		}
		eps = offsetsOf(found)
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = offset
	}
	return nil
}

// Search returns up to k matches for vec, best first, scores clamped to
// [0,1]. filter, when non-nil, drops entries before the k cutoff so a
// filtered query still fills up to k from the explored neighborhood.
func (ix *Index) Search(vec []float32, k int, filter func(id string) bool) []Match {
	if k <= 0 || len(vec) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.entry < 0 {
		return nil
	}

	cur := ix.entry
	for l := ix.maxLevel; l > 0; l-- {
		cur = ix.greedyStep(vec, cur, l)
	}
	ef := ix.efSearch
	if want := 4 * k; want > ef {
		ef = want
	}
	found := ix.searchLayer(vec, []int{cur}, ef, 0)

	matches := make([]Match, 0, k)
	for _, cand := range found {
		id := ix.nodes[cand.offset].id
		if filter != nil && !filter(id) {
			continue
		}
		matches = append(matches, Match{ID: id, Score: clampScore(cand.sim)})
		if len(matches) == k {
			break
		}
	}
	return matches
}

func (ix *Index) randomLevel() int {
	r := ix.rng.Float64()
	if r < 1e-12 {
		r = 1e-12
	}
	return int(math.Floor(-math.Log(r) * ix.levelFactor))
}

// greedyStep walks toward vec on layer l until no neighbor improves.
func (ix *Index) greedyStep(vec []float32, start, l int) int {
	cur := start
	curSim := cosine(vec, ix.nodes[cur].vec)
	for {
		improved := false
		if l < len(ix.nodes[cur].neighbors) {
			for _, n := range ix.nodes[cur].neighbors[l] {
				if sim := cosine(vec, ix.nodes[n].vec); sim > curSim {
					cur, curSim = n, sim
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scoredOffset struct {
	offset int
	sim    float64
}

// searchLayer is the HNSW beam search: expand the best unexplored
// candidate until it cannot beat the worst of the ef best seen. Results
// come back sorted by descending similarity.
func (ix *Index) searchLayer(vec []float32, eps []int, ef, l int) []scoredOffset {
	visited := make(map[int]bool, ef*2)
	candidates := &simHeap{max: true}
	results := &simHeap{max: false}

	for _, ep := range eps {
		if visited[ep] {
			continue
		}
		visited[ep] = true
		s := scoredOffset{offset: ep, sim: cosine(vec, ix.nodes[ep].vec)}
		heap.Push(candidates, s)
		heap.Push(results, s)
	}

	for candidates.Len() > 0 {
		best := heap.Pop(candidates).(scoredOffset)
		if results.Len() >= ef && best.sim < results.items[0].sim {
			break
		}
		if l < len(ix.nodes[best.offset].neighbors) {
			for _, n := range ix.nodes[best.offset].neighbors[l] {
				if visited[n] {
					continue
				}
				visited[n] = true
				s := scoredOffset{offset: n, sim: cosine(vec, ix.nodes[n].vec)}
				if results.Len() < ef || s.sim > results.items[0].sim {
					heap.Push(candidates, s)
					heap.Push(results, s)
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]scoredOffset, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scoredOffset)
	}
	return out
}

// link adds src as a neighbor of dst on layer l, pruning dst's list to
// limit by similarity to dst.
func (ix *Index) link(dst, src, l, limit int) {
	node := &ix.nodes[dst]
	if l >= len(node.neighbors) {
		return
	}
	node.neighbors[l] = append(node.neighbors[l], src)
	if len(node.neighbors[l]) <= limit {
		return
	}
	worst, worstAt := math.Inf(1), -1
	for i, n := range node.neighbors[l] {
		if sim := cosine(node.vec, ix.nodes[n].vec); sim < worst {
			worst, worstAt = sim, i
		}
	}
	last := len(node.neighbors[l]) - 1
	node.neighbors[l][worstAt] = node.neighbors[l][last]
	node.neighbors[l] = node.neighbors[l][:last]
}

func offsetsOf(scored []scoredOffset) []int {
	out := make([]int, len(scored))
	for i, s := range scored {
		out[i] = s.offset
	}
	return out
}

// simHeap is a heap of scored offsets; max selects between max-heap
// (candidate frontier) and min-heap (bounded result set) ordering.
type simHeap struct {
	items []scoredOffset
	max   bool
}

func (h *simHeap) Len() int { return len(h.items) }

func (h *simHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].sim > h.items[j].sim
	}
	return h.items[i].sim < h.items[j].sim
}

func (h *simHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *simHeap) Push(x interface{}) { h.items = append(h.items, x.(scoredOffset)) }

func (h *simHeap) Pop() interface{} {
	last := len(h.items) - 1
	item := h.items[last]
	h.items = h.items[:last]
	return item
}
