package piv

import (
	"bytes"
	"compress/gzip"

	"pivcard/piv/apdu"
	"pivcard/piv/tlv"
)

// ReadFile issues GET_DATA for tag and returns the inner contents of the
// 53-wrapped response, handling any 61xx continuation transparently via the
// apdu layer. Per spec.md section 4.7.
func (tk *Token) ReadFile(tag tlv.Tag) ([]byte, error) {
	return tk.getDataObject(tag)
}

// WriteFile issues PUT_DATA for tag with data, chaining as needed. Most
// tags require a prior AuthenticateAdmin; the card reports 6982 otherwise.
func (tk *Token) WriteFile(tag tlv.Tag, data []byte) error {
	w := tlv.NewWriter()
	w.WriteTLV(0x5C, tlv.EncodeTag(tag))
	w.WriteTLV(0x53, data)
	body, err := w.Bytes()
	if err != nil {
		return wrap(NewError(KindInvalidData, 0, err, "building PUT_DATA body"))
	}

	cmd := apdu.Command{CLA: 0x00, INS: 0xDB, P1: 0x3F, P2: 0xFF, Data: body, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if resp.IsOK() {
		return nil
	}
	return wrap(errFromSW(resp.SW(), "write file"))
}

// WriteCert wraps WriteFile on slot's certificate tag, wrapping cert in the
// 70/71/FE structure spec.md section 4.7 describes. When compress is true,
// cert is gzip-compressed (RFC 1952) before being wrapped, and the
// cert-info byte's compression bit is set so ReadCert inflates it back.
func (tk *Token) WriteCert(slot SlotID, cert []byte, compress bool) error {
	tag, ok := certTag(slot)
	if !ok {
		return wrap(NewError(KindNotSupported, 0, nil, "slot %s has no certificate tag", slot))
	}

	payload := cert
	var certInfo byte
	if compress {
		deflated, err := deflate(cert)
		if err != nil {
			return wrap(NewError(KindInvalidData, 0, err, "compressing certificate"))
		}
		payload = deflated
		certInfo = 0x01
	}

	w := tlv.NewWriter()
	w.WriteTLV(0x70, payload)
	w.WriteTLV(0x71, []byte{certInfo})
	w.WriteTLV(0xFE, nil)
	body, err := w.Bytes()
	if err != nil {
		return wrap(NewError(KindInvalidData, 0, err, "building cert object"))
	}

	return tk.WriteFile(tlv.Tag(tag), body)
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
