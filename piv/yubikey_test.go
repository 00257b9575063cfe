package piv

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func TestProbeYKVersionParsesThreeBytes(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0xFD, []byte{5, 4, 3}, 0x90, 0x00)

	tok := newTestToken(mt)
	if err := tok.probeYKVersion(); err != nil {
		t.Fatalf("probeYKVersion: %v", err)
	}
	if tok.YKVersion != [3]byte{5, 4, 3} {
		t.Fatalf("YKVersion = %v, want [5 4 3]", tok.YKVersion)
	}
}

func TestProbeYKSerialParsesFourBytes(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0xF8, []byte{0x00, 0x01, 0x02, 0x03}, 0x90, 0x00)

	tok := newTestToken(mt)
	if err := tok.probeYKSerial(); err != nil {
		t.Fatalf("probeYKSerial: %v", err)
	}
	if tok.YKSerial != 0x00010203 {
		t.Fatalf("YKSerial = %d, want %d", tok.YKSerial, 0x00010203)
	}
}

func TestAttestRejectsNonYKToken(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	if _, err := tok.Attest(SlotAuthentication); err == nil {
		t.Fatal("expected error for a non-YK token")
	} else if !IsNotSupported(err) {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
}

func TestAttestParsesCertificate(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "yubikey attestation"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	mt := newMockTransport(t)
	mt.on(0xF9, der, 0x90, 0x00)

	tok := newTestToken(mt)
	tok.IsYK = true
	cert, err := tok.Attest(SlotAuthentication)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if !bytes.Equal(cert.Raw, der) {
		t.Fatal("parsed attestation certificate doesn't match the raw DER")
	}
}

func TestSetPINRetriesRejectsNonYKToken(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	if err := tok.SetPINRetries(5, 5); err == nil {
		t.Fatal("expected error for a non-YK token")
	} else if !IsNotSupported(err) {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
}

func TestSetPINRetriesSuccess(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0xFA, nil, 0x90, 0x00)

	tok := newTestToken(mt)
	tok.IsYK = true
	if err := tok.SetPINRetries(8, 8); err != nil {
		t.Fatalf("SetPINRetries: %v", err)
	}
	raw := mt.sent[0]
	if raw[2] != 8 || raw[3] != 8 {
		t.Fatalf("P1/P2 = %02X/%02X, want 08/08", raw[2], raw[3])
	}
}

func TestSetAdminKeyEncodesKeyData(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0xFF, nil, 0x90, 0x00)

	tok := newTestToken(mt)
	tok.IsYK = true
	key := bytes.Repeat([]byte{0x22}, 24)
	if err := tok.SetAdminKey(Alg3DES, key, TouchAlways); err != nil {
		t.Fatalf("SetAdminKey: %v", err)
	}
	raw := mt.sent[0]
	lc := int(raw[4])
	body := raw[5 : 5+lc]
	if body[0] != 0x9B || body[1] != byte(len(key)) {
		t.Fatalf("key TLV header = % X, want 9B %02X", body[:2], len(key))
	}
	if !bytes.Equal(body[2:], key) {
		t.Fatal("key bytes don't match what was sent")
	}
}

func TestResetRefusedUnlessBothCountersExhausted(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	tok.IsYK = true

	for _, tc := range []struct{ pin, puk int }{
		{1, 0}, {0, 1}, {3, 3},
	} {
		err := tok.Reset(tc.pin, tc.puk)
		if err == nil {
			t.Fatalf("Reset(%d, %d): expected ResetConditionsError", tc.pin, tc.puk)
		}
		pivErr := asPIVError(err)
		if pivErr == nil || pivErr.Kind != KindResetConditions {
			t.Fatalf("Reset(%d, %d): got %v, want ResetConditionsError", tc.pin, tc.puk, err)
		}
	}
}

func TestResetSucceedsAndClearsAuthState(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0x20, nil, 0x90, 0x00)
	mt.on(0xFB, nil, 0x90, 0x00)

	tok := newTestToken(mt)
	tok.IsYK = true
	if err := tok.VerifyPIN(PINApplication, []byte("123456")); err != nil {
		t.Fatalf("VerifyPIN: %v", err)
	}
	tok.adminAuthed = true

	if err := tok.Reset(0, 0); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if tok.PINVerified(PINApplication) {
		t.Fatal("expected PINVerified false after Reset")
	}
	if tok.AdminAuthenticated() {
		t.Fatal("expected AdminAuthenticated false after Reset")
	}
}

func TestResetRejectsNonYKToken(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	if err := tok.Reset(0, 0); err == nil {
		t.Fatal("expected error for a non-YK token")
	} else if !IsNotSupported(err) {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
}
