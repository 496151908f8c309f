// Package oscillation detects revisits of stationary configurations and keeps
// the best feasible checkpoint for rollback.
package oscillation

import (
	"math"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// Entry is one stationary configuration observed at a seam energy level.
type Entry struct {
	Lambda     float64
	Distortion float64
}

// Match describes a recorded configuration that a new observation revisits.
type Match struct {
	SeamEnergy float64
	Entry      Entry
}

// History maps seam energy to the configurations seen at that level. Keys are
// ordered so lookups can inspect the nearest levels on either side. It is
// never pruned: a mesh only has finitely many seam layouts.
type History struct {
	tree    *redblacktree.Tree
	entries int
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{tree: redblacktree.NewWith(utils.Float64Comparator)}
}

// Record appends a configuration under seam.
func (h *History) Record(seam, lambda, distortion float64) {
	var list []Entry
	if v, found := h.tree.Get(seam); found {
		list = v.([]Entry)
	}
	h.tree.Put(seam, append(list, Entry{Lambda: lambda, Distortion: distortion}))
	h.entries++
}

// Len is the number of recorded configurations.
func (h *History) Len() int { return h.entries }

// Levels is the number of distinct seam energy keys.
func (h *History) Levels() int { return h.tree.Size() }

// Find looks for a recorded configuration within tolerance. It inspects the
// closest level at or above seam, then the closest level strictly below it.
// Distortion is compared with seamTol, matching the energy scale of the
// seam lookup.
func (h *History) Find(seam, lambda, distortion, seamTol, weightTol float64) (Match, bool) {
	if h.tree.Empty() {
		return Match{}, false
	}

	if node, found := h.tree.Ceiling(seam); found {
		if m, ok := matchLevel(node, seam, lambda, distortion, seamTol, weightTol); ok {
			return m, true
		}
	}
	if node, found := h.tree.Floor(math.Nextafter(seam, math.Inf(-1))); found {
		if m, ok := matchLevel(node, seam, lambda, distortion, seamTol, weightTol); ok {
			return m, true
		}
	}
	return Match{}, false
}

func matchLevel(node *redblacktree.Node, seam, lambda, distortion, seamTol, weightTol float64) (Match, bool) {
	key := node.Key.(float64)
	if math.Abs(key-seam) >= seamTol {
		return Match{}, false
	}
	for _, e := range node.Value.([]Entry) {
		if math.Abs(e.Lambda-lambda) < weightTol && math.Abs(e.Distortion-distortion) < seamTol {
			return Match{SeamEnergy: key, Entry: e}, true
		}
	}
	return Match{}, false
}
