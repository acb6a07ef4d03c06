package dsp

// UpsampleLinePairNRGBA upsamples a pair of chroma rows and converts the
// result to interleaved NRGBA bytes.
func UpsampleLinePairNRGBA(
	topY, botY []byte,
	topU, topV []byte,
	botU, botV []byte,
	topDst, botDst []byte,
	alphaTop, alphaBot []byte,
	width int,
) {
	upsampleLinePairNRGBAGo(topY, botY, topU, topV, botU, botV, topDst, botDst, alphaTop, alphaBot, width)
}
