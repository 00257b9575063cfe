package tlv

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeTagForms(t *testing.T) {
	tests := []struct {
		name string
		tag  Tag
		want []byte
	}{
		{"single byte", 0x7C, []byte{0x7C}},
		{"two byte", 0x7F49, []byte{0x7F, 0x49}},
		{"three byte", 0x5FC107, []byte{0x5F, 0xC1, 0x07}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc := EncodeTag(tc.tag)
			if !bytes.Equal(enc, tc.want) {
				t.Fatalf("EncodeTag(%X) = % X, want % X", tc.tag, enc, tc.want)
			}
			w := NewWriter()
			w.WriteTLV(tc.tag, []byte{0x01})
			out, err := w.Bytes()
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			r := NewReader(out)
			gotTag, _, err := r.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if gotTag != tc.tag {
				t.Fatalf("round trip tag = %X, want %X", gotTag, tc.tag)
			}
		})
	}
}

func TestTruncatedTagRejected(t *testing.T) {
	// 0x5F signals a multi-byte tag; a lone trailing byte is truncated.
	r := NewReader([]byte{0x5F})
	if _, _, err := r.Next(); err == nil {
		t.Fatal("expected error for truncated multi-byte tag")
	}
}

func TestReaderNextRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteTLV(0x80, []byte{0x01, 0x02, 0x03})
	w.WriteTLV(0x81, []byte{})
	w.WriteTLV(0x5FC107, bytes.Repeat([]byte{0xAB}, 200))
	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	r := NewReader(out)
	tag, val, err := r.Next()
	if err != nil || tag != 0x80 || !bytes.Equal(val, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("first element = %X %X %v", tag, val, err)
	}
	tag, val, err = r.Next()
	if err != nil || tag != 0x81 || len(val) != 0 {
		t.Fatalf("second element = %X %X %v", tag, val, err)
	}
	tag, val, err = r.Next()
	if err != nil || tag != 0x5FC107 || len(val) != 200 {
		t.Fatalf("third element = %X len=%d %v", tag, len(val), err)
	}
	if !r.Done() {
		t.Fatalf("expected reader exhausted, %d bytes left", r.Len())
	}
}

func TestWriterNestedContext(t *testing.T) {
	w := NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x80, nil)
	w.WriteTLV(0x81, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	r := NewReader(out)
	ctx, err := r.ReadContext(0x7C)
	if err != nil {
		t.Fatalf("ReadContext: %v", err)
	}
	tag, val, err := ctx.Next()
	if err != nil || tag != 0x80 || len(val) != 0 {
		t.Fatalf("inner first = %X %v %v", tag, val, err)
	}
	tag, val, err = ctx.Next()
	if err != nil || tag != 0x81 || !bytes.Equal(val, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("inner second = %X %v %v", tag, val, err)
	}
	if !ctx.Done() {
		t.Fatalf("context should be exhausted")
	}
}

func TestLongFormLength(t *testing.T) {
	big := bytes.Repeat([]byte{0x01}, 300)
	w := NewWriter()
	w.WriteTLV(0x53, big)
	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	// 300 requires two length bytes: 0x82 0x01 0x2C
	if out[1] != 0x82 || out[2] != 0x01 || out[3] != 0x2C {
		t.Fatalf("unexpected long-form length encoding: % X", out[:4])
	}

	r := NewReader(out)
	tag, val, err := r.Next()
	if err != nil || tag != 0x53 || len(val) != 300 {
		t.Fatalf("round trip failed: tag=%X len=%d err=%v", tag, len(val), err)
	}
}

func TestIndefiniteLengthRejected(t *testing.T) {
	r := NewReader([]byte{0x7C, 0x80, 0x01, 0x02, 0x00, 0x00})
	if _, _, err := r.Next(); err == nil {
		t.Fatal("expected indefinite-length form to be rejected")
	}
}

func TestClosingWithLeftoverIsCallerResponsibility(t *testing.T) {
	// Closing a context with bytes left unread inside it is not itself a
	// parse error here (the sub-reader never sees more than its value), but
	// reading past a context's declared length is structurally impossible:
	// verify that attempting to read beyond a short value errors cleanly.
	// The inner element 81 05 claims five bytes the two-byte context lacks.
	r := NewReader([]byte{0x80, 0x02, 0x81, 0x05})
	ctx, err := r.ReadContext(0x80)
	if err != nil {
		t.Fatalf("ReadContext: %v", err)
	}
	if _, _, err := ctx.Next(); err == nil {
		t.Fatal("expected error reading past the context's declared length")
	}
}

func TestMismatchedTagContext(t *testing.T) {
	r := NewReader([]byte{0x81, 0x00})
	if _, err := r.ReadContext(0x7C); err == nil {
		t.Fatal("expected tag mismatch error")
	}
}

func TestFind(t *testing.T) {
	w := NewWriter()
	w.WriteTLV(0x71, []byte{0x00})
	w.WriteTLV(0x70, []byte{0x01, 0x02})
	w.WriteTLV(0xFE, nil)
	out, _ := w.Bytes()

	v, ok, err := Find(out, 0x70)
	if err != nil || !ok || !bytes.Equal(v, []byte{0x01, 0x02}) {
		t.Fatalf("Find(0x70) = %v %v %v", v, ok, err)
	}
	_, ok, err = Find(out, 0x99)
	if err != nil || ok {
		t.Fatalf("Find(0x99) should not match: ok=%v err=%v", ok, err)
	}
}
