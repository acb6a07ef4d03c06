// Package webp provides a pure Go encoder and decoder for the WebP image
// format, covering both the VP8 lossy and VP8L lossless codecs without any
// CGo dependency.
//
// The package supports:
//   - Lossy decoding (VP8)
//   - Lossless decoding (VP8L)
//   - Alpha channel
//   - Lossy encoding (VP8)
//   - Lossless encoding (VP8L)
//   - Extended format (VP8X) with ICC, EXIF, XMP metadata
//   - Animation (ANIM/ANMF), via the animation subpackage
//
// Basic usage for decoding:
//
//	img, err := webp.Decode(reader)
//
// Basic usage for encoding:
//
//	err := webp.Encode(writer, img, &webp.EncoderOptions{Quality: 80})
//
// EncoderOptions.Logger accepts an internal/telemetry.Logger for
// pass-start/finish diagnostics on long-running batch encodes; errors
// returned from Encode/Decode are wrapped with github.com/pkg/errors at
// this package's outer seam so a caller can recover the original cause
// with errors.Cause while still getting a stack trace for debugging.
package webp
