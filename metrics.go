package webp

import (
	"fmt"
	"image"

	"github.com/rivenmark/webpcore/internal/dsp"
)

// PSNR computes the peak signal-to-noise ratio in dB between two images of
// identical dimensions, over their RGBA channels. It is the tool the
// testable-properties scenarios use to assert lossy round-trip quality
// (e.g. "PSNR >= 28 dB for a gradient encoded at quality=75").
//
// A value of 99.0 indicates the images are pixel-identical.
func PSNR(a, b image.Image) (float64, error) {
	ba, bb := a.Bounds(), b.Bounds()
	if ba.Dx() != bb.Dx() || ba.Dy() != bb.Dy() {
		return 0, fmt.Errorf("webp: PSNR: dimension mismatch %dx%d vs %dx%d", ba.Dx(), ba.Dy(), bb.Dx(), bb.Dy())
	}

	bufA := make([]byte, 0, ba.Dx()*ba.Dy()*4)
	bufB := make([]byte, 0, bb.Dx()*bb.Dy()*4)
	for y := ba.Min.Y; y < ba.Max.Y; y++ {
		for x := ba.Min.X; x < ba.Max.X; x++ {
			r, g, bl, al := a.At(x, y).RGBA()
			bufA = append(bufA, byte(r>>8), byte(g>>8), byte(bl>>8), byte(al>>8))
			r, g, bl, al = b.At(x-ba.Min.X+bb.Min.X, y-ba.Min.Y+bb.Min.Y).RGBA()
			bufB = append(bufB, byte(r>>8), byte(g>>8), byte(bl>>8), byte(al>>8))
		}
	}
	return dsp.WholeBufferPSNR(bufA, bufB), nil
}

// SignalQuality reports PSNR in dB alongside the standard deviation of the
// per-channel error between two images of identical dimensions. A low
// StdDev for a given PSNR means the error is spread evenly (typical of
// quantization noise); a high StdDev means it is concentrated in a few
// channels or pixels (typical of a localized artifact), which callers can
// use to flag frames worth inspecting even when the averaged PSNR looks
// acceptable.
func SignalQuality(a, b image.Image) (psnr, errStdDev float64, err error) {
	ba, bb := a.Bounds(), b.Bounds()
	if ba.Dx() != bb.Dx() || ba.Dy() != bb.Dy() {
		return 0, 0, fmt.Errorf("webp: SignalQuality: dimension mismatch %dx%d vs %dx%d", ba.Dx(), ba.Dy(), bb.Dx(), bb.Dy())
	}

	bufA := make([]byte, 0, ba.Dx()*ba.Dy()*4)
	bufB := make([]byte, 0, bb.Dx()*bb.Dy()*4)
	for y := ba.Min.Y; y < ba.Max.Y; y++ {
		for x := ba.Min.X; x < ba.Max.X; x++ {
			r, g, bl, al := a.At(x, y).RGBA()
			bufA = append(bufA, byte(r>>8), byte(g>>8), byte(bl>>8), byte(al>>8))
			r, g, bl, al = b.At(x-ba.Min.X+bb.Min.X, y-ba.Min.Y+bb.Min.Y).RGBA()
			bufB = append(bufB, byte(r>>8), byte(g>>8), byte(bl>>8), byte(al>>8))
		}
	}
	return dsp.WholeBufferPSNR(bufA, bufB), dsp.WholeBufferErrorStdDev(bufA, bufB), nil
}
