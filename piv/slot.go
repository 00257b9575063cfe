package piv

import (
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"io"

	"pivcard/piv/apdu"
	"pivcard/piv/tlv"
)

// Slot is one key-reference on a token: its id, algorithm, certificate (if
// any), and cached canonical public key. Per spec.md section 3's slot
// invariant: a slot returned by ReadCert always carries both certificate
// and public key; a slot created by ForceSlot carries only an algorithm.
type Slot struct {
	ID          SlotID
	Algorithm   Algorithm
	Certificate *x509.Certificate
	PublicKey   any // *rsa.PublicKey or *ecdsa.PublicKey

	CompressedCert bool
	PINToUse       bool
	TouchToUse     bool
}

// GetSlot returns the slot with the given id if it has already been
// observed (via ReadCert or ForceSlot), and whether it was found.
func (tk *Token) GetSlot(id SlotID) (*Slot, bool) {
	s, ok := tk.slots[id]
	return s, ok
}

// SlotNext iterates the token's slot registry in first-observed order. Pass
// the zero SlotID to start from the beginning; ok is false once iteration
// is exhausted.
func (tk *Token) SlotNext(after SlotID) (*Slot, bool) {
	start := 0
	if after != 0 {
		for i, id := range tk.slotOrder {
			if id == after {
				start = i + 1
				break
			}
		}
	}
	if start >= len(tk.slotOrder) {
		return nil, false
	}
	return tk.slots[tk.slotOrder[start]], true
}

// ForceSlot inserts a slot entry carrying only an id and algorithm, with no
// certificate, for slots whose key material is known out-of-band (e.g. just
// generated but not yet re-read).
func (tk *Token) ForceSlot(id SlotID, alg Algorithm) *Slot {
	s := &Slot{ID: id, Algorithm: alg}
	tk.registerSlot(s)
	return s
}

func (tk *Token) registerSlot(s *Slot) {
	if _, exists := tk.slots[s.ID]; !exists {
		tk.slotOrder = append(tk.slotOrder, s.ID)
	}
	tk.slots[s.ID] = s
}

// ReadCert reads and parses the certificate at slot, caching it (and the
// derived public key) on the token's slot registry. Grounded on spec.md
// section 4.4: the outer 53-wrapped TLV carries a 70 certificate, 71
// cert-info (bit 0 signals gzip/deflate compression), 72 MSCUID, and FE
// LRC.
func (tk *Token) ReadCert(slot SlotID) (*Slot, error) {
	tag, ok := certTag(slot)
	if !ok {
		return nil, wrap(NewError(KindNotSupported, 0, nil, "slot %s has no certificate tag", slot))
	}

	w := tlv.NewWriter()
	w.WriteTLV(0x5C, tlv.EncodeTag(tlv.Tag(tag)))
	body, _ := w.Bytes()

	cmd := apdu.Command{CLA: 0x00, INS: 0xCB, P1: 0x3F, P2: 0xFF, Data: body, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	if !resp.IsOK() {
		return nil, wrap(errFromSW(resp.SW(), "read cert "+slot.String()))
	}

	outer, ok, err := tlv.Find(resp.Data, 0x53)
	if err != nil || !ok {
		return nil, wrap(NewError(KindInvalidData, 0, err, "cert response missing 53 wrapper"))
	}

	r := tlv.NewReader(outer)
	var certBytes []byte
	var certInfo byte
	for !r.Done() {
		t, v, err := r.Next()
		if err != nil {
			return nil, wrap(NewError(KindInvalidData, 0, err, "parsing cert TLV"))
		}
		switch t {
		case 0x70:
			certBytes = v
		case 0x71:
			if len(v) == 1 {
				certInfo = v[0]
			}
		}
	}
	if certBytes == nil {
		return nil, wrap(NewError(KindInvalidData, 0, nil, "cert object missing 70 element"))
	}

	compressed := certInfo&0x01 != 0
	if compressed {
		out, err := inflate(certBytes)
		if err != nil {
			return nil, wrap(NewError(KindInvalidData, 0, err, "decompressing certificate"))
		}
		certBytes = out
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, wrap(NewError(KindInvalidData, 0, err, "parsing X.509 certificate"))
	}

	alg, _ := algorithmFromPublicKey(cert.PublicKey)

	s := &Slot{
		ID:             slot,
		Algorithm:      alg,
		Certificate:    cert,
		PublicKey:      cert.PublicKey,
		CompressedCert: compressed,
		PINToUse:       certInfo&0x02 != 0,
		TouchToUse:     certInfo&0x04 != 0,
	}
	tk.registerSlot(s)
	return s, nil
}

// ReadAllCerts iterates every known slot id and reads its certificate,
// tolerating NotFoundError and NotSupportedError on any individual slot
// (per spec.md section 4.4).
func (tk *Token) ReadAllCerts() error {
	ids := []SlotID{SlotAuthentication, SlotSignature, SlotKeyManagement, SlotCardAuth}
	for i := 1; i <= 20; i++ {
		id, _ := RetiredSlot(i)
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := tk.ReadCert(id)
		if err == nil || IsNotFound(err) || IsNotSupported(err) {
			continue
		}
		return err
	}
	return nil
}

func inflate(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func algorithmFromPublicKey(pub any) (Algorithm, bool) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() <= 1024 {
			return AlgRSA1024, true
		}
		return AlgRSA2048, true
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgECCP256, true
		case elliptic.P384():
			return AlgECCP384, true
		}
	}
	return Algorithm{}, false
}
