package dsp

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// WholeBufferPSNR computes PSNR across two equal-length byte buffers using
// gonum/stat for the mean-squared-error reduction, rather than the unrolled
// integer accumulators in ssim.go (those stay hand-rolled because they run
// inside the per-block RDO hot loop; this one runs once per finished image,
// the same amortised cost ausocean-av accepts when it hands a captured
// frame to gonum for signal statistics).
//
// Unlike PSNRFromSSE (which takes a pre-summed integer SSE and divides by
// count itself), this feeds stat.Mean's result straight into the PSNR
// formula: the mean IS the division, done once by gonum instead of by hand.
//
// panics if a and b have different lengths; callers own that invariant.
func WholeBufferPSNR(a, b []byte) float64 {
	if len(a) != len(b) {
		panic("dsp: WholeBufferPSNR: mismatched buffer lengths")
	}
	if len(a) == 0 {
		return 99.0
	}
	diffsSquared := make([]float64, len(a))
	for i := range a {
		d := float64(int(a[i]) - int(b[i]))
		diffsSquared[i] = d * d
	}
	mse := stat.Mean(diffsSquared, nil)
	if mse == 0 {
		return 99.0
	}
	return 10.0 * math.Log10(255.0*255.0/mse)
}

// WholeBufferErrorStdDev reports the population standard deviation of the
// per-sample signed error between a and b, using gonum/stat's two-pass
// variance estimator. Used by callers that want a spread measure alongside
// WholeBufferPSNR's single mean-squared-error number, e.g. to flag frames
// where the error is concentrated in a few outlier pixels rather than spread
// evenly (same mean, very different StdDev).
//
// panics if a and b have different lengths; callers own that invariant.
func WholeBufferErrorStdDev(a, b []byte) float64 {
	if len(a) != len(b) {
		panic("dsp: WholeBufferErrorStdDev: mismatched buffer lengths")
	}
	if len(a) == 0 {
		return 0
	}
	diffs := make([]float64, len(a))
	for i := range a {
		diffs[i] = float64(int(a[i]) - int(b[i]))
	}
	_, variance := stat.MeanVariance(diffs, nil)
	return math.Sqrt(variance)
}
