package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

type OperationStats struct {
	Op      string  `json:"op"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type OutcomeCount struct {
	Op      string `json:"op"`
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type OperationSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Operations  []OperationStats `json:"operations"`
	Outcomes    []OutcomeCount   `json:"outcomes,omitempty"`
}

// opWindow keeps the last maxSamples latencies per operation in a ring buffer.
type opWindow struct {
	mu         sync.RWMutex
	maxSamples int
	ops        map[string]*latencyRing
	outcomes   map[[2]string]int
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newOpWindow(maxSamples int) *opWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &opWindow{
		maxSamples: maxSamples,
		ops:        make(map[string]*latencyRing),
		outcomes:   make(map[[2]string]int),
	}
}

func (w *opWindow) Observe(op, outcome string, ms float64) {
	if op == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.ops[op]
	if !ok {
		ring = &latencyRing{values: make([]float64, w.maxSamples)}
		w.ops[op] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
	if outcome != "" {
		w.outcomes[[2]string{op, outcome}]++
	}
}

func (w *opWindow) Snapshot() OperationSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.ops))
	for op := range w.ops {
		names = append(names, op)
	}
	sort.Strings(names)

	stats := make([]OperationStats, 0, len(names))
	for _, op := range names {
		ring := w.ops[op]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n == 0 {
			continue
		}
		samples := append([]float64(nil), ring.values[:n]...)
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, OperationStats{
			Op:      op,
			Samples: n,
			LastMS:  round2(ring.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	outcomes := make([]OutcomeCount, 0, len(w.outcomes))
	for key, count := range w.outcomes {
		outcomes = append(outcomes, OutcomeCount{Op: key[0], Outcome: key[1], Count: count})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Op != outcomes[j].Op {
			return outcomes[i].Op < outcomes[j].Op
		}
		return outcomes[i].Outcome < outcomes[j].Outcome
	})

	return OperationSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Operations:  stats,
		Outcomes:    outcomes,
	}
}

func (w *opWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = make(map[string]*latencyRing)
	w.outcomes = make(map[[2]string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
