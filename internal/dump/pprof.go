package dump

import (
	"bytes"
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/hangwatch/hangwatch/internal/ring"
)

// treeToPprof renders a merged call tree as a pprof sample profile so
// standard flamegraph tooling can open the artifact directly. Each
// root-to-node path becomes one sample weighted by that node's own count
// (its count minus its children's).
func treeToPprof(tree *ring.CallTree) ([]byte, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
	}

	locs := make(map[uint64]*profile.Location)
	funcs := make(map[string]*profile.Function)
	locFor := func(n *ring.Node) *profile.Location {
		if l, ok := locs[n.Address]; ok {
			return l
		}
		l := &profile.Location{
			ID:      uint64(len(locs) + 1),
			Address: n.Address,
		}
		if n.Symbol != "" {
			fn, ok := funcs[n.Symbol]
			if !ok {
				fn = &profile.Function{
					ID:         uint64(len(funcs) + 1),
					Name:       n.Symbol,
					SystemName: n.Symbol,
					Filename:   n.Module,
				}
				funcs[n.Symbol] = fn
				p.Function = append(p.Function, fn)
			}
			l.Line = []profile.Line{{Function: fn}}
		}
		locs[n.Address] = l
		p.Location = append(p.Location, l)
		return l
	}

	// The tree grows top-of-stack first; pprof wants leaf-first location
	// lists, which is the same orientation.
	var walk func(n *ring.Node, trail []*profile.Location)
	walk = func(n *ring.Node, trail []*profile.Location) {
		trail = append(trail, locFor(n))
		self := n.Count
		for _, c := range n.Children {
			self -= c.Count
		}
		if self > 0 {
			// The tree's first level is the top of stack, so the trail is
			// already leaf-first as pprof expects.
			locations := make([]*profile.Location, len(trail))
			copy(locations, trail)
			p.Sample = append(p.Sample, &profile.Sample{
				Location: locations,
				Value:    []int64{int64(self)},
			})
		}
		for _, c := range n.Children {
			walk(c, trail)
		}
	}
	for _, root := range tree.Roots() {
		walk(root, nil)
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode pprof profile: %w", err)
	}
	return buf.Bytes(), nil
}
