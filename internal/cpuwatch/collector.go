package cpuwatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/ring"
	"github.com/hangwatch/hangwatch/internal/stack"
)

// poolCapacity bounds the hot-stack pool; the oldest sample is overwritten
// once it fills.
const poolCapacity = 100

// HotSample is one high-CPU thread's stack with the CPU share that earned
// its capture.
type HotSample struct {
	Thread     platform.ThreadID
	Addrs      []uint64
	CPUPercent float64
	Background bool
}

// Collector accumulates stacks of threads caught above the instantaneous
// CPU threshold. When the sustained-CPU machine fires, the pool is frozen
// and handed to an asynchronous call-tree build; sampling continues into a
// fresh pool meanwhile.
type Collector struct {
	logger zerolog.Logger

	mu    sync.Mutex
	pool  []HotSample
	next  int
	count int
}

// NewCollector creates an empty collector.
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger.With().Str("component", "cpu_collector").Logger(),
		pool:   make([]HotSample, poolCapacity),
	}
}

// Deposit adds one hot sample, overwriting the oldest when full.
func (c *Collector) Deposit(s HotSample) {
	if len(s.Addrs) == 0 {
		return
	}
	c.mu.Lock()
	c.pool[c.next] = s
	c.next = (c.next + 1) % len(c.pool)
	if c.count < len(c.pool) {
		c.count++
	}
	c.mu.Unlock()
}

// Len returns the number of pooled samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Freeze removes and returns the current pool, oldest first. Subsequent
// deposits land in a fresh pool.
func (c *Collector) Freeze() []HotSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]HotSample, 0, c.count)
	start := c.next - c.count
	for k := 0; k < c.count; k++ {
		out = append(out, c.pool[(start+k+len(c.pool))%len(c.pool)])
	}
	c.pool = make([]HotSample, poolCapacity)
	c.next = 0
	c.count = 0
	return out
}

// BuildTree aggregates frozen samples into a CPU-weighted call tree on a
// separate goroutine, symbolizes it, and delivers it through done. The
// sibling lists arrive sorted by descending count.
func (c *Collector) BuildTree(samples []HotSample, sym stack.Symbolizer, done func(*ring.CallTree)) {
	go func() {
		tree := ring.NewCallTree()
		for _, s := range samples {
			tree.AddSample(ring.Sample{
				Addrs:      s.Addrs,
				CPUPercent: s.CPUPercent,
				Background: s.Background,
			})
		}
		tree.Sort()
		if sym != nil {
			symbolizeTree(tree, sym)
		}
		c.logger.Debug().Int("samples", len(samples)).Msg("Built sustained-CPU call tree")
		done(tree)
	}()
}

// symbolizeTree resolves every node. First-level nodes are sampled PCs and
// resolve as-is; deeper nodes are return addresses and resolve at their
// call site.
func symbolizeTree(tree *ring.CallTree, sym stack.Symbolizer) {
	var walk func(nodes []*ring.Node, depth int)
	walk = func(nodes []*ring.Node, depth int) {
		for _, n := range nodes {
			addr := n.Address
			if depth > 0 {
				addr = stack.CallSiteAddress(addr)
			}
			if s, ok := sym.Symbolize(addr); ok {
				n.Symbol = s.SymbolName
				n.Module = s.ModulePath
			}
			walk(n.Children, depth+1)
		}
	}
	walk(tree.Roots(), 0)
}
