package piv

import (
	"bytes"
	"crypto/aes"
	"errors"
	"testing"

	"pivcard/piv/tlv"
)

func asPIVError(err error) *Error {
	var pivErr *Error
	if errors.As(err, &pivErr) {
		return pivErr
	}
	return nil
}

func TestPadPIN(t *testing.T) {
	got := padPIN([]byte("1234"))
	want := []byte{0x31, 0x32, 0x33, 0x34, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("padPIN = % X, want % X", got, want)
	}
}

func TestRetriesFromSW(t *testing.T) {
	tests := []struct {
		sw        uint16
		wantOK    bool
		wantCount int
	}{
		{0x63C3, true, 3},
		{0x63C0, true, 0},
		{0x9000, false, 0},
		{0x6A80, false, 0},
	}
	for _, tc := range tests {
		n, ok := retriesFromSW(tc.sw)
		if ok != tc.wantOK || n != tc.wantCount {
			t.Errorf("retriesFromSW(%04X) = (%d, %v), want (%d, %v)", tc.sw, n, ok, tc.wantCount, tc.wantOK)
		}
	}
}

func TestVerifyPINRejectsBadLength(t *testing.T) {
	tok := newTestToken(newMockTransport(t))
	if err := tok.VerifyPIN(PINApplication, nil); err == nil {
		t.Fatal("expected error for empty PIN")
	}
	if err := tok.VerifyPIN(PINApplication, bytes.Repeat([]byte{'1'}, 9)); err == nil {
		t.Fatal("expected error for 9-byte PIN")
	}
}

func TestVerifyPINSuccess(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0x20, nil, 0x90, 0x00)
	tok := newTestToken(mt)

	if err := tok.VerifyPIN(PINApplication, []byte("123456")); err != nil {
		t.Fatalf("VerifyPIN: %v", err)
	}
	if !tok.PINVerified(PINApplication) {
		t.Fatal("expected PINVerified true after success")
	}
}

func TestVerifyPINFailureReportsRetries(t *testing.T) {
	mt := newMockTransport(t)
	mt.on(0x20, nil, 0x63, 0xC2)
	tok := newTestToken(mt)

	err := tok.VerifyPIN(PINApplication, []byte("000000"))
	if err == nil {
		t.Fatal("expected error for wrong PIN")
	}
	if !IsPermission(err) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if pivErr := asPIVError(err); pivErr == nil || pivErr.Retries != 2 {
		t.Fatalf("expected Retries=2, got %+v", pivErr)
	}
	if tok.PINVerified(PINApplication) {
		t.Fatal("expected PINVerified false after failure")
	}
}

func TestAuthenticateAdminAESRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	c, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}

	witnessPlain := bytes.Repeat([]byte{0x42}, 16)
	witnessEnc := make([]byte, 16)
	c.Encrypt(witnessEnc, witnessPlain)

	w := tlv.NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x80, witnessEnc)
	w.Close()
	witnessBody, _ := w.Bytes()

	// The second GEN_AUTH message depends on the client's random challenge,
	// which can't be scripted ahead of time, so the mock computes its reply
	// dynamically instead of using the fixed-response mockTransport.
	dyn := &dynamicAdminTransport{t: t, cipher: c, witnessBody: witnessBody}
	tok := newTestToken(dyn)

	if err := tok.AuthenticateAdmin(AlgAES128, key); err != nil {
		t.Fatalf("AuthenticateAdmin: %v", err)
	}
	if !tok.AdminAuthenticated() {
		t.Fatal("expected AdminAuthenticated true")
	}
}

// dynamicAdminTransport answers the admin-auth exchange's second message
// correctly regardless of the random challenge the library generates,
// since that challenge can't be scripted ahead of time.
type dynamicAdminTransport struct {
	t      *testing.T
	cipher interface {
		Encrypt(dst, src []byte)
		BlockSize() int
	}
	witnessBody []byte
	call        int
}

func (d *dynamicAdminTransport) Transmit(raw []byte) ([]byte, error) {
	d.call++
	if d.call == 1 {
		return append(append([]byte{}, d.witnessBody...), 0x90, 0x00), nil
	}

	// Second call: raw carries GEN_AUTH with 7C{80=decryptedWitness,81=challenge}.
	ins := raw[1]
	if ins != 0x87 {
		d.t.Fatalf("unexpected INS %02X on second admin-auth call", ins)
	}
	lc := int(raw[4])
	body := raw[5 : 5+lc]
	outer, ok, err := tlv.Find(body, 0x7C)
	if err != nil || !ok {
		d.t.Fatalf("malformed GEN_AUTH body: %v", err)
	}
	challenge, ok, err := tlv.Find(outer, 0x81)
	if err != nil || !ok {
		d.t.Fatalf("missing challenge in GEN_AUTH body: %v", err)
	}

	response := make([]byte, len(challenge))
	d.cipher.Encrypt(response, challenge)

	w := tlv.NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x82, response)
	w.Close()
	out, _ := w.Bytes()
	return append(out, 0x90, 0x00), nil
}

func (d *dynamicAdminTransport) beginTxn() error { return nil }
func (d *dynamicAdminTransport) endTxn() error   { return nil }
func (d *dynamicAdminTransport) close() error    { return nil }
