package piv

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"

	"pivcard/piv/apdu"
	"pivcard/piv/tlv"
)

// TouchPolicy and PINPolicy are YK extension per-key policies attached to
// Generate/Import/SetAdminKey when the connected token supports them.
type TouchPolicy byte

const (
	TouchDefault TouchPolicy = 0x00
	TouchAlways  TouchPolicy = 0x01
	TouchNever   TouchPolicy = 0x02
	TouchCached  TouchPolicy = 0x03
)

type PINPolicy byte

const (
	PINPolicyDefault PINPolicy = 0x00
	PINPolicyNever   PINPolicy = 0x01
	PINPolicyOnce    PINPolicy = 0x02
	PINPolicyAlways  PINPolicy = 0x03
)

// GenerateOption configures Generate's optional YK pin/touch policy.
type GenerateOption func(*generateConfig)

type generateConfig struct {
	pinPolicy   *PINPolicy
	touchPolicy *TouchPolicy
}

// WithPINPolicy sets a YK per-key PIN policy on a generated key.
func WithPINPolicy(p PINPolicy) GenerateOption {
	return func(c *generateConfig) { c.pinPolicy = &p }
}

// WithTouchPolicy sets a YK per-key touch policy on a generated key.
func WithTouchPolicy(t TouchPolicy) GenerateOption {
	return func(c *generateConfig) { c.touchPolicy = &t }
}

// Generate issues GENERATE ASYMMETRIC KEY PAIR for slot and alg, returning a
// Slot populated with the new public key but no certificate (the caller
// must separately WriteCert if a certificate is needed). Requires prior
// AuthenticateAdmin; the card returns 6982 otherwise. Grounded on spec.md
// section 4.6.
func (tk *Token) Generate(slot SlotID, alg Algorithm, opts ...GenerateOption) (*Slot, error) {
	cfg := generateConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	w := tlv.NewWriter()
	w.Open(0xAC)
	w.WriteTLV(0x80, []byte{alg.ID()})
	if cfg.pinPolicy != nil {
		w.WriteTLV(0xA0, []byte{byte(*cfg.pinPolicy)})
	}
	if cfg.touchPolicy != nil {
		w.WriteTLV(0xA1, []byte{byte(*cfg.touchPolicy)})
	}
	if err := w.Close(); err != nil {
		return nil, wrap(NewError(KindInvalidData, 0, err, "building GENERATE template"))
	}
	body, _ := w.Bytes()

	cmd := apdu.Command{CLA: 0x00, INS: 0x47, P1: 0x00, P2: byte(slot), Data: body, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	if !resp.IsOK() {
		return nil, wrap(errFromSW(resp.SW(), "generate key"))
	}

	pub, err := parseGeneratedPublicKey(resp.Data, alg)
	if err != nil {
		return nil, wrap(err)
	}

	s := &Slot{ID: slot, Algorithm: alg, PublicKey: pub}
	tk.registerSlot(s)
	return s, nil
}

func parseGeneratedPublicKey(data []byte, alg Algorithm) (any, error) {
	outer, ok, err := tlv.Find(data, 0x7F49)
	if err != nil || !ok {
		return nil, NewError(KindInvalidData, 0, err, "GENERATE response missing 7F49 wrapper")
	}
	r := tlv.NewReader(outer)

	if alg.IsRSA() {
		var modulus, exponent []byte
		for !r.Done() {
			t, v, err := r.Next()
			if err != nil {
				return nil, NewError(KindInvalidData, 0, err, "parsing RSA public key")
			}
			switch t {
			case 0x81:
				modulus = v
			case 0x82:
				exponent = v
			}
		}
		if modulus == nil || exponent == nil {
			return nil, NewError(KindInvalidData, 0, nil, "RSA public key missing modulus or exponent")
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(new(big.Int).SetBytes(exponent).Int64())}, nil
	}

	if alg.IsEC() {
		for !r.Done() {
			t, v, err := r.Next()
			if err != nil {
				return nil, NewError(KindInvalidData, 0, err, "parsing EC public key")
			}
			if t == 0x86 {
				return decodeECPoint(alg.Curve(), v)
			}
		}
		return nil, NewError(KindInvalidData, 0, nil, "EC public key missing 86 element")
	}

	return nil, NewError(KindNotSupported, 0, nil, "algorithm %s has no public key form", alg)
}

func decodeECPoint(curve elliptic.Curve, point []byte) (*ecdsa.PublicKey, error) {
	if len(point) == 0 || point[0] != 0x04 {
		return nil, NewError(KindInvalidData, 0, nil, "EC point must be uncompressed (0x04 prefix)")
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, NewError(KindInvalidData, 0, nil, "invalid EC point encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Import loads externally-generated private key components into slot via
// the YK proprietary IMPORT ASYMMETRIC KEY instruction (0xFE). components
// is per-algorithm TLV-tagged private material: RSA tags 01..05 (P, Q, dP,
// dQ, qInv), EC tag 06 (private scalar). Command chaining applies
// automatically for large RSA keys via the apdu layer.
func (tk *Token) Import(slot SlotID, alg Algorithm, components []byte, opts ...GenerateOption) error {
	cfg := generateConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	data := append([]byte{}, components...)
	if cfg.pinPolicy != nil {
		data = append(data, 0xA0, 0x01, byte(*cfg.pinPolicy))
	}
	if cfg.touchPolicy != nil {
		data = append(data, 0xA1, 0x01, byte(*cfg.touchPolicy))
	}

	cmd := apdu.Command{CLA: 0x00, INS: 0xFE, P1: alg.ID(), P2: byte(slot), Data: data, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "import key"))
	}
	return nil
}

// sha256Sum is a small convenience wrapper so call sites read naturally.
func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Sign hashes payload with SHA-256 and produces a signature from slot's
// private key, equivalent to piv_sign. For RSA the digest is wrapped in a
// DigestInfo and PKCS#1 v1.5 padded to the modulus length before being sent
// to the card; for EC it is truncated/left-padded to the curve's field
// length.
func (tk *Token) Sign(slot *Slot, payload []byte) ([]byte, error) {
	return tk.signDigest(slot, sha256Sum(payload), true)
}

// SignPrehash signs an already-computed hash (the DigestInfo for RSA, or
// the raw digest for EC), equivalent to piv_sign_prehash. Returns
// NotSupportedError for the ECCP256_SHA* pseudo-algorithms, which only
// support signing raw payloads the applet hashes itself.
func (tk *Token) SignPrehash(slot *Slot, digest []byte) ([]byte, error) {
	if slot.Algorithm.Pseudo() {
		return nil, wrap(NewError(KindNotSupported, 0, nil, "sign_prehash is not supported for %s", slot.Algorithm))
	}
	return tk.signDigest(slot, digest, false)
}

func (tk *Token) signDigest(slot *Slot, digest []byte, wrapDigestInfo bool) ([]byte, error) {
	var input []byte
	switch {
	case slot.Algorithm.IsRSA():
		modLen := (slot.Algorithm.KeyBits() + 7) / 8
		var di []byte
		if wrapDigestInfo {
			di = sha256DigestInfo(digest)
		} else {
			di = digest
		}
		block, err := emsaPKCS1v15Pad(di, modLen)
		if err != nil {
			return nil, wrap(NewError(KindInvalidData, 0, err, "padding RSA digest"))
		}
		input = block
	case slot.Algorithm.IsEC():
		fieldLen := (slot.Algorithm.KeyBits() + 7) / 8
		input = leftPadOrTruncate(digest, fieldLen)
	default:
		return nil, wrap(NewError(KindNotSupported, 0, nil, "algorithm %s cannot sign", slot.Algorithm))
	}

	w := tlv.NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x82, nil)
	w.WriteTLV(0x81, input)
	if err := w.Close(); err != nil {
		return nil, wrap(NewError(KindInvalidData, 0, err, "building sign request"))
	}
	body, _ := w.Bytes()

	cmd := apdu.Command{CLA: 0x00, INS: 0x87, P1: slot.Algorithm.ID(), P2: byte(slot.ID), Data: body, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	if !resp.IsOK() {
		return nil, wrap(errFromSW(resp.SW(), "sign"))
	}

	dynAuth, ok, err := tlv.Find(resp.Data, 0x7C)
	var sig []byte
	if err == nil && ok {
		sig, ok, err = tlv.Find(dynAuth, 0x82)
	}
	if err != nil || !ok {
		return nil, wrap(NewError(KindInvalidData, 0, err, "sign response missing 82 element"))
	}

	if slot.Algorithm.IsEC() {
		return ecSignatureToASN1(sig, (slot.Algorithm.KeyBits()+7)/8)
	}
	return sig, nil
}

// ECDH performs on-card elliptic-curve Diffie-Hellman between slot's
// private key and peer, returning the raw X-coordinate of the shared
// point, per spec.md section 4.6.
func (tk *Token) ECDH(slot *Slot, peer *ecdsa.PublicKey) ([]byte, error) {
	if !slot.Algorithm.IsEC() {
		return nil, wrap(NewError(KindNotSupported, 0, nil, "ecdh requires an EC slot"))
	}
	peerPoint := elliptic.Marshal(peer.Curve, peer.X, peer.Y)

	w := tlv.NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x82, nil)
	w.WriteTLV(0x85, peerPoint)
	if err := w.Close(); err != nil {
		return nil, wrap(NewError(KindInvalidData, 0, err, "building ecdh request"))
	}
	body, _ := w.Bytes()

	cmd := apdu.Command{CLA: 0x00, INS: 0x87, P1: slot.Algorithm.ID(), P2: byte(slot.ID), Data: body, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	if !resp.IsOK() {
		return nil, wrap(errFromSW(resp.SW(), "ecdh"))
	}

	dynAuth, ok, err := tlv.Find(resp.Data, 0x7C)
	var shared []byte
	if err == nil && ok {
		shared, ok, err = tlv.Find(dynAuth, 0x82)
	}
	if err != nil || !ok {
		return nil, wrap(NewError(KindInvalidData, 0, err, "ecdh response missing 82 element"))
	}
	return shared, nil
}

func leftPadOrTruncate(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	if len(b) > n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// sha256DigestInfoPrefix is the DER prefix for a SHA-256 DigestInfo, per
// RFC 8017 appendix A.2.4.
var sha256DigestInfoPrefix = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04,
	0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
}

func sha256DigestInfo(digest []byte) []byte {
	return append(append([]byte{}, sha256DigestInfoPrefix...), digest...)
}

// emsaPKCS1v15Pad implements RFC 8017 EMSA-PKCS1-v1_5 encoding of an
// already-built DigestInfo to emLen bytes.
func emsaPKCS1v15Pad(digestInfo []byte, emLen int) ([]byte, error) {
	if emLen < len(digestInfo)+11 {
		return nil, NewError(KindArgument, 0, nil, "modulus too short for digest")
	}
	psLen := emLen - len(digestInfo) - 3
	out := make([]byte, emLen)
	out[0] = 0x00
	out[1] = 0x01
	for i := 0; i < psLen; i++ {
		out[2+i] = 0xFF
	}
	out[2+psLen] = 0x00
	copy(out[3+psLen:], digestInfo)
	return out, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

func ecSignatureToASN1(raw []byte, fieldLen int) ([]byte, error) {
	if len(raw) != 2*fieldLen {
		// Some applets already return ASN.1 DER; pass through unchanged.
		return raw, nil
	}
	r := new(big.Int).SetBytes(raw[:fieldLen])
	s := new(big.Int).SetBytes(raw[fieldLen:])
	return asn1.Marshal(ecdsaSignature{R: r, S: s})
}

func marshalPublicKey(pub any) ([]byte, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		out, err := asn1.Marshal(struct {
			N *big.Int
			E int
		}{k.N, k.E})
		return out, err
	case *ecdsa.PublicKey:
		return elliptic.Marshal(k.Curve, k.X, k.Y), nil
	default:
		return nil, NewError(KindArgument, 0, nil, "unsupported public key type")
	}
}

func verifySignature(pub any, digest, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig) == nil
	case *ecdsa.PublicKey:
		var s ecdsaSignature
		if _, err := asn1.Unmarshal(sig, &s); err != nil {
			return false
		}
		return ecdsa.Verify(k, digest, s.R, s.S)
	default:
		return false
	}
}
