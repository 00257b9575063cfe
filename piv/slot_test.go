package piv

import (
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"pivcard/piv/tlv"
)

func selfSignedCertFixed(t *testing.T, priv *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return der
}

func deflateForTest(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func buildCertObject(cert []byte, certInfo byte) []byte {
	w := tlv.NewWriter()
	w.WriteTLV(0x70, cert)
	w.WriteTLV(0x71, []byte{certInfo})
	w.WriteTLV(0xFE, nil)
	body, _ := w.Bytes()
	outer := tlv.NewWriter()
	outer.WriteTLV(0x53, body)
	out, _ := outer.Bytes()
	return out
}

func TestReadCertUncompressed(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der := selfSignedCertFixed(t, priv)

	mt := newMockTransport(t)
	mt.on(0xCB, buildCertObject(der, 0x00), 0x90, 0x00)

	tok := newTestToken(mt)
	slot, err := tok.ReadCert(SlotAuthentication)
	if err != nil {
		t.Fatalf("ReadCert: %v", err)
	}
	if slot.CompressedCert {
		t.Fatal("expected CompressedCert false")
	}
	if slot.Algorithm.ID() != AlgECCP256.ID() {
		t.Fatalf("Algorithm = %s, want %s", slot.Algorithm, AlgECCP256)
	}
	pub, ok := slot.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.X.Cmp(priv.X) != 0 {
		t.Fatal("cached public key doesn't match certificate key")
	}
}

func TestReadCertCompressed(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der := selfSignedCertFixed(t, priv)
	compressed := deflateForTest(t, der)

	mt := newMockTransport(t)
	mt.on(0xCB, buildCertObject(compressed, 0x01), 0x90, 0x00)

	tok := newTestToken(mt)
	slot, err := tok.ReadCert(SlotSignature)
	if err != nil {
		t.Fatalf("ReadCert: %v", err)
	}
	if !slot.CompressedCert {
		t.Fatal("expected CompressedCert true")
	}
	if !bytes.Equal(slot.Certificate.Raw, der) {
		t.Fatal("decompressed certificate doesn't match original DER")
	}
}

func TestReadCertUnknownSlot(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	if _, err := tok.ReadCert(SlotID(0x00)); err == nil {
		t.Fatal("expected error for a slot with no certificate tag")
	} else if !IsNotSupported(err) {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
}

func TestSlotNextIteratesRegistrationOrder(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	tok.ForceSlot(SlotAuthentication, AlgECCP256)
	tok.ForceSlot(SlotSignature, AlgRSA2048)

	s, ok := tok.SlotNext(0)
	if !ok || s.ID != SlotAuthentication {
		t.Fatalf("first slot = %+v, want SlotAuthentication", s)
	}
	s, ok = tok.SlotNext(s.ID)
	if !ok || s.ID != SlotSignature {
		t.Fatalf("second slot = %+v, want SlotSignature", s)
	}
	if _, ok = tok.SlotNext(s.ID); ok {
		t.Fatal("expected iteration to end after two slots")
	}
}

func TestReadAllCertsTolerateNotFound(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0xCB, nil, 0x6A, 0x82)
	tok := newTestToken(mt)
	if err := tok.ReadAllCerts(); err != nil {
		t.Fatalf("ReadAllCerts: %v", err)
	}
}
