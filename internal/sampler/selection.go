package sampler

import (
	"fmt"
	"sort"
	"strings"
)

// Mode names a sampling policy.
type Mode string

const (
	// FixedStride keeps every Nth decoded frame until the stream ends.
	FixedStride Mode = "stride"
	// FixedCount keeps K frames evenly spread over the whole video.
	FixedCount Mode = "count"
)

// Policy selects which frames of a video are sampled.
type Policy struct {
	Mode   Mode `yaml:"mode"`
	Stride int  `yaml:"stride"`
	Count  int  `yaml:"count"`
}

// DefaultPolicy samples every 30th frame.
func DefaultPolicy() Policy {
	return Policy{Mode: FixedStride, Stride: 30, Count: 8}
}

// Validate reports whether the policy can be executed.
func (p Policy) Validate() error {
	switch p.Mode {
	case FixedStride:
		if p.Stride < 1 {
			return fmt.Errorf("stride must be >= 1, got %d", p.Stride)
		}
	case FixedCount:
		if p.Count < 1 {
			return fmt.Errorf("frame count must be >= 1, got %d", p.Count)
		}
	default:
		return fmt.Errorf("unknown sampling mode %q (want %q or %q)", p.Mode, FixedStride, FixedCount)
	}
	return nil
}

// FixedCountIndices returns floor(i*total/k) for i in [0,k). When total < k
// the repeated indices are collapsed, so each source frame appears once.
func FixedCountIndices(total, k int) []int {
	if total <= 0 || k <= 0 {
		return nil
	}
	indices := make([]int, 0, k)
	for i := 0; i < k; i++ {
		idx := i * total / k
		if n := len(indices); n > 0 && indices[n-1] == idx {
			continue
		}
		indices = append(indices, idx)
	}
	return indices
}

// Selection is a resolved set of source frame indices. Decoders either hand
// Expr to ffmpeg's select filter or test each frame with Keep; either way the
// i-th emitted frame maps back to SourceIndex(i).
type Selection struct {
	every   int
	indices []int
}

// EveryNth selects frames 0, n, 2n, ...
func EveryNth(n int) Selection {
	if n < 1 {
		n = 1
	}
	return Selection{every: n}
}

// AtIndices selects exactly the given frames. Indices are sorted and deduplicated.
func AtIndices(indices []int) Selection {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	out := make([]int, 0, len(sorted))
	for i, idx := range sorted {
		if i > 0 && idx == sorted[i-1] {
			continue
		}
		out = append(out, idx)
	}
	return Selection{indices: out}
}

// Expr renders the selection as an ffmpeg select expression with escaped
// commas. Empty means every frame.
func (s Selection) Expr() string {
	if s.indices == nil {
		if s.every <= 1 {
			return ""
		}
		return fmt.Sprintf(`not(mod(n\,%d))`, s.every)
	}
	terms := make([]string, len(s.indices))
	for i, idx := range s.indices {
		terms[i] = fmt.Sprintf(`eq(n\,%d)`, idx)
	}
	return strings.Join(terms, "+")
}

// Keep reports whether source frame n is selected.
func (s Selection) Keep(n int) bool {
	if s.indices == nil {
		return n%s.stride() == 0
	}
	i := sort.SearchInts(s.indices, n)
	return i < len(s.indices) && s.indices[i] == n
}

// SourceIndex maps the ord-th emitted frame back to its source index.
func (s Selection) SourceIndex(ord int) (int, bool) {
	if s.indices == nil {
		return ord * s.stride(), true
	}
	if ord < 0 || ord >= len(s.indices) {
		return 0, false
	}
	return s.indices[ord], true
}

func (s Selection) stride() int {
	if s.every < 1 {
		return 1
	}
	return s.every
}

// Len is the number of frames the selection can emit, or -1 if unbounded.
func (s Selection) Len() int {
	if s.indices == nil {
		return -1
	}
	return len(s.indices)
}
