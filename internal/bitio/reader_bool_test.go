package bitio

import (
	"testing"
)

func TestNewArithDecoder_InitialState(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	br := NewArithDecoder(data)

	if br.range_ != 254 {
		t.Errorf("initial range_ = %d, want 254", br.range_)
	}
	if br.eof {
		t.Error("unexpected eof after init")
	}
}

func TestArithDecoder_GetBit_AllZeroData(t *testing.T) {
	// All-zero data should produce consistent results with prob 0x80.
	data := make([]byte, 16)
	br := NewArithDecoder(data)

	// With all-zero data and prob 0x80, the decoded value should be 0
	// because value (0) is never > split.
	for i := 0; i < 20; i++ {
		bit := br.GetBit(0x80)
		if bit != 0 {
			t.Errorf("bit %d: got %d, want 0 (all-zero data)", i, bit)
		}
	}
}

func TestArithDecoder_GetBit_AllOnesData(t *testing.T) {
	// All-0xff data should produce 1s with prob 0x80.
	data := make([]byte, 16)
	for i := range data {
		data[i] = 0xff
	}
	br := NewArithDecoder(data)

	for i := 0; i < 20; i++ {
		bit := br.GetBit(0x80)
		if bit != 1 {
			t.Errorf("bit %d: got %d, want 1 (all-ones data)", i, bit)
		}
	}
}

func TestArithDecoder_GetValue(t *testing.T) {
	// Use a known byte sequence and verify multi-bit reads.
	data := []byte{0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89, 0x00, 0x00}
	br := NewArithDecoder(data)

	// Read several small values and verify they are within range.
	for i := 1; i <= 8; i++ {
		v := br.GetValue(i)
		if v >= (1 << uint(i)) {
			t.Errorf("GetValue(%d) = %d, exceeds max %d", i, v, (1<<uint(i))-1)
		}
	}
}

func TestArithDecoder_GetSignedValue(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = 0xAA
	}
	br := NewArithDecoder(data)

	// Read signed values and verify magnitude is within range.
	for i := 1; i <= 8; i++ {
		sv := br.GetSignedValue(i)
		max := int32(1) << uint(i)
		if sv < -max+1 || sv > max-1 {
			t.Errorf("GetSignedValue(%d) = %d, out of expected range [%d, %d]",
				i, sv, -max+1, max-1)
		}
	}
}

func TestArithDecoder_EOF_EmptyData(t *testing.T) {
	br := NewArithDecoder([]byte{})

	if !br.EOF() {
		t.Error("expected eof on empty data")
	}
}

func TestArithDecoder_EOF_ShortData(t *testing.T) {
	br := NewArithDecoder([]byte{0x42})

	// Read enough bits to exhaust the single byte.
	for i := 0; i < 16; i++ {
		br.GetBit(0x80)
	}

	if !br.EOF() {
		t.Error("expected eof after exhausting single byte")
	}
}

func TestArithDecoder_GetBitAlt_MatchesGetBit(t *testing.T) {
	// Both GetBit and GetBitAlt should decode the same stream identically
	// when given the same input and probabilities.
	data := []byte{
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	}
	probs := []uint8{128, 1, 255, 64, 192, 100, 200, 50}

	br1 := NewArithDecoder(data)
	br2 := NewArithDecoder(data)

	for i, prob := range probs {
		b1 := br1.GetBit(prob)
		b2 := br2.GetBitAlt(prob)
		if b1 != b2 {
			t.Errorf("mismatch at bit %d (prob=%d): GetBit=%d, GetBitAlt=%d",
				i, prob, b1, b2)
		}
	}
}

func TestArithDecoder_GetSigned(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = 0xff
	}
	br := NewArithDecoder(data)

	// With all-ones data the sign bit should be 1 (negative).
	result := br.GetSigned(42)
	if result != -42 {
		t.Errorf("GetSigned(42) = %d, want -42", result)
	}
}

func TestArithDecoder_LookupTableConsistency(t *testing.T) {
	// Verify kVP8Log2Range and kVP8NewRange tables are internally consistent.
	// kVP8Log2Range[i] = shift needed to normalise range value i.
	// kVP8NewRange[i] = ((i) << kVP8Log2Range[i]) | ((1 << kVP8Log2Range[i]) - 1)
	// We also verify that the new range stays within the valid [127, 254]
	// interval.
	for i := 0; i < 128; i++ {
		logVal := kVP8Log2Range[i]
		newRange := kVP8NewRange[i]

		// Verify log2 values are in [0, 7].
		if logVal > 7 {
			t.Errorf("kVP8Log2Range[%d] = %d, exceeds 7", i, logVal)
		}

		// Verify new range is in the valid interval [127, 254].
		if newRange < 127 || newRange > 254 {
			t.Errorf("kVP8NewRange[%d] = %d, out of [127, 254]", i, newRange)
		}

		// Verify the tables are consistent:
		// newRange = (i << shift) | ((1 << shift) - 1),
		// which is equivalent to ((i+1) << shift) - 1.
		expected := ((uint32(i) + 1) << uint(logVal)) - 1
		if uint32(newRange) != expected {
			t.Errorf("kVP8NewRange[%d] = %d, want %d", i, newRange, expected)
		}
	}
}
