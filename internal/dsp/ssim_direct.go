package dsp

// SSE4x4Direct computes sum-of-squared-errors for a 4x4 block directly,
// bypassing the SSE4x4 function-variable indirection.
func SSE4x4Direct(pix, ref []byte) int {
	return sse4x4(pix, ref)
}

// SSE16x16Direct computes sum-of-squared-errors for a 16x16 block directly,
// bypassing the SSE16x16 function-variable indirection.
func SSE16x16Direct(pix, ref []byte) int {
	return sse16x16(pix, ref)
}
