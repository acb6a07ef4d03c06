package dsp

// FTransformDirect calls the forward DCT directly, bypassing the FTransform
// function-variable indirection.
func FTransformDirect(src, ref []byte, out []int16) {
	fTransform(src, ref, out)
}

// ITransformDirect calls the inverse DCT directly, bypassing the ITransform
// function-variable indirection.
func ITransformDirect(ref []byte, in []int16, dst []byte, doTwo bool) {
	iTransform(ref, in, dst, doTwo)
}
