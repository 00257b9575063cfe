package tlv

import "fmt"

// Writer builds a BER-TLV byte stream, supporting nested write contexts
// whose length is back-patched once the inner payload is known, grounded
// on the teacher's esim/asn1.Marshal family of helpers (which build a TLV
// from a known-length buffer up front); here the length is computed lazily
// so callers can nest writes without pre-measuring child payloads.
type Writer struct {
	buf    []byte
	frames []frame
}

type frame struct {
	tag   Tag
	start int // offset in buf where this element's value begins
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteTLV appends a complete tag/value element.
func (w *Writer) WriteTLV(tag Tag, value []byte) {
	w.buf = append(w.buf, EncodeTag(tag)...)
	w.buf = append(w.buf, EncodeLength(len(value))...)
	w.buf = append(w.buf, value...)
}

// Open begins a nested constructed element under tag; everything written
// until the matching Close becomes that element's value, with its length
// back-patched at Close time.
func (w *Writer) Open(tag Tag) {
	w.buf = append(w.buf, EncodeTag(tag)...)
	// Reserve a placeholder; the real length form is written at Close once
	// the value length is known, since long-form length byte count varies.
	w.frames = append(w.frames, frame{tag: tag, start: len(w.buf)})
}

// Close ends the most recently Open'd element, inserting its length
// header at the point the tag was written.
func (w *Writer) Close() error {
	if len(w.frames) == 0 {
		return fmt.Errorf("tlv: Close with no matching Open")
	}
	f := w.frames[len(w.frames)-1]
	w.frames = w.frames[:len(w.frames)-1]

	value := w.buf[f.start:]
	length := EncodeLength(len(value))

	rebuilt := make([]byte, 0, len(w.buf)+len(length))
	rebuilt = append(rebuilt, w.buf[:f.start]...)
	rebuilt = append(rebuilt, length...)
	rebuilt = append(rebuilt, value...)
	w.buf = rebuilt
	return nil
}

// Bytes returns the accumulated TLV stream. It is an error to call this
// with unclosed nested contexts outstanding.
func (w *Writer) Bytes() ([]byte, error) {
	if len(w.frames) != 0 {
		return nil, fmt.Errorf("tlv: %d unclosed context(s)", len(w.frames))
	}
	return w.buf, nil
}
