package dsp

// SimpleVFilter16 applies the simple loop filter vertically across a
// 16-pixel-wide edge. There is a single code path: the per-architecture
// assembly dispatch the upstream codec carries was dropped in favor of one
// linkable kernel per filter (simpleVFilter16Go in filter.go).
func SimpleVFilter16(p []byte, base, stride, thresh int) {
	simpleVFilter16Go(p, base, stride, thresh)
}
