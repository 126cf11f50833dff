package locate

import (
	"fmt"
	"sort"
	"strings"

	"voxelrtp.ai/internal/sim/safety"
)

// Histogram counts rejected candidates by reason for one search.
type Histogram map[safety.Reason]int

func (h Histogram) Add(r safety.Reason) {
	h[r]++
}

func (h Histogram) Total() int {
	n := 0
	for _, v := range h {
		n += v
	}
	return n
}

// String renders "REASON=n" pairs, most frequent first.
func (h Histogram) String() string {
	type kv struct {
		r safety.Reason
		n int
	}
	rows := make([]kv, 0, len(h))
	for r, n := range h {
		rows = append(rows, kv{r: r, n: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].n != rows[j].n {
			return rows[i].n > rows[j].n
		}
		return rows[i].r < rows[j].r
	})
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		parts = append(parts, fmt.Sprintf("%s=%d", row.r, row.n))
	}
	return strings.Join(parts, " ")
}

func (h Histogram) toMap() map[string]int {
	out := make(map[string]int, len(h))
	for r, n := range h {
		out[string(r)] = n
	}
	return out
}
