package mux

import (
	"bytes"
	"testing"

	"github.com/frankban/quicktest"
)

// minimalVP8KeyFrame is a hand-built 10-byte VP8 key-frame header (no
// residual data) describing a 16x16 image: frame tag, start code, width,
// height. It is enough for the demuxer to extract dimensions.
var minimalVP8KeyFrame = []byte{
	0x30, 0x01, 0x00,
	0x9d, 0x01, 0x2a,
	0x10, 0x00,
	0x10, 0x00,
}

// TestMuxerAssembleSingleFrameRoundTrip exercises Muxer.Assemble/NewDemuxer
// with quicktest's assertion-chain style, the way
// 2lambda123-tinygo-org-drivers chains independent checks on one setup.
func TestMuxerAssembleSingleFrameRoundTrip(t *testing.T) {
	c := quicktest.New(t)

	m := NewMuxer()
	c.Assert(m.AddFrame(minimalVP8KeyFrame, nil), quicktest.IsNil)
	c.Assert(m.NumFrames(), quicktest.Equals, 1)

	var buf bytes.Buffer
	c.Assert(m.Assemble(&buf), quicktest.IsNil)

	out := buf.Bytes()
	c.Assert(string(out[0:4]), quicktest.Equals, "RIFF")
	c.Assert(string(out[8:12]), quicktest.Equals, "WEBP")
	c.Assert(string(out[12:16]), quicktest.Equals, "VP8 ")

	dmx, err := NewDemuxer(out)
	c.Assert(err, quicktest.IsNil)
	c.Assert(dmx.NumFrames(), quicktest.Equals, 1)

	feat := dmx.GetFeatures()
	c.Assert(feat.Width, quicktest.Equals, 16)
	c.Assert(feat.Height, quicktest.Equals, 16)
}
