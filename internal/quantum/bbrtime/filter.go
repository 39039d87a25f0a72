package bbrtime

// Filter is the Kathleen-Nichols three-sample windowed min/max filter,
// generic over an ordered key (round count for bottleneck bandwidth,
// TimeStamp for rtprop) and an ordered value compared via better.
//
// Rather than treating a Go zero value as an unreachable sentinel, each
// slot tracks whether it has ever been set in `has`, so a legitimate
// zero-valued sample never triggers a spurious reset.
type Filter[K ~int64, V any] struct {
	window K
	better func(a, b V) bool // true if a should replace b (max: a>b, min: a<b)

	key   [3]K
	value [3]V
	has   [3]bool
}

// NewMaxFilter builds a filter that retains the largest value seen within
// the window (used for bottleneck_bw, keyed by round_count).
func NewMaxFilter[K ~int64, V int64 | uint64 | Bandwidth](window K) *Filter[K, V] {
	return &Filter[K, V]{window: window, better: func(a, b V) bool { return a > b }}
}

// NewMinFilter builds a filter that retains the smallest value seen within
// the window. BBR does not use it: rtprop is kept as a plain value with its
// own expiry stamp.
func NewMinFilter[K ~int64, V int64 | uint64 | Duration](window K) *Filter[K, V] {
	return &Filter[K, V]{window: window, better: func(a, b V) bool { return a < b }}
}

// Best returns the current filter estimate and whether any sample exists.
func (f *Filter[K, V]) Best() (V, bool) {
	return f.value[0], f.has[0]
}

// BestKey returns the key (round/time) at which the current best was set.
func (f *Filter[K, V]) BestKey() K { return f.key[0] }

// reset collapses all three slots onto a single fresh sample.
func (f *Filter[K, V]) reset(t K, v V) {
	for i := range f.key {
		f.key[i] = t
		f.value[i] = v
		f.has[i] = true
	}
}

// Update feeds a new (key, value) sample into the filter.
func (f *Filter[K, V]) Update(t K, v V) {
	if !f.has[0] || !f.has[1] || !f.has[2] || f.better(v, f.value[0]) || (t-f.key[2]) > f.window {
		f.reset(t, v)
		return
	}

	if f.better(v, f.value[1]) {
		f.key[1], f.value[1] = t, v
		f.key[2], f.value[2] = t, v
	} else if f.better(v, f.value[2]) {
		f.key[2], f.value[2] = t, v
	}

	f.expire(t, v)
}

// rotate shifts second into best, third into second, and installs the
// incoming sample (t, v) as the new third.
func (f *Filter[K, V]) rotate(t K, v V) {
	f.key[0], f.value[0] = f.key[1], f.value[1]
	f.key[1], f.value[1] = f.key[2], f.value[2]
	f.key[2], f.value[2] = t, v
}

// expire rotates out samples that have fallen outside the window. The three
// checks (full-window rotation, quarter-window and half-window promotion)
// are exclusive: the first one that applies runs and the rest are skipped.
func (f *Filter[K, V]) expire(t K, v V) {
	if t-f.key[0] > f.window {
		f.rotate(t, v)
		if t-f.key[0] > f.window {
			f.rotate(t, v)
		}
		return
	}

	if f.key[1] == f.key[0] && t-f.key[1] > f.window/4 {
		f.key[1], f.value[1] = t, v
		f.key[2], f.value[2] = t, v
		return
	}

	if f.key[2] == f.key[1] && t-f.key[2] > f.window/2 {
		f.key[2], f.value[2] = t, v
	}
}
