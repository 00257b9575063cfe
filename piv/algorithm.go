package piv

import (
	"crypto/elliptic"
	"fmt"
)

// Algorithm is a tagged variant over the PIV algorithm id space: each
// constant carries its own key length, block size, and curve rather
// than being a flat integer passed around uninterpreted, per spec.md
// section 9's "variant over algorithms" design note.
type Algorithm struct {
	id        byte
	name      string
	keyBits   int
	blockSize int // cipher block size in bytes, for admin-auth algorithms
	curve     elliptic.Curve
	isRSA     bool
	isEC      bool
	pseudo    bool // ECCP256_SHA* pseudo-algorithms: card hashes internally
}

// ID returns the wire algorithm id (section 6 of the data model).
func (a Algorithm) ID() byte { return a.id }

// String returns the algorithm's canonical name.
func (a Algorithm) String() string { return a.name }

// IsRSA reports whether the algorithm is an RSA variant.
func (a Algorithm) IsRSA() bool { return a.isRSA }

// IsEC reports whether the algorithm is an elliptic-curve variant.
func (a Algorithm) IsEC() bool { return a.isEC }

// Pseudo reports whether this is one of the proprietary ECCP256_SHA*
// pseudo-algorithms where the applet hashes the payload on-card rather
// than accepting a pre-hashed digest; per spec.md Open Question (ii),
// this is the capability probe isolating applet-specific behavior.
func (a Algorithm) Pseudo() bool { return a.pseudo }

// Curve returns the elliptic curve for EC algorithms, or nil for RSA/3DES/AES.
func (a Algorithm) Curve() elliptic.Curve { return a.curve }

// KeyBits returns the modulus or curve bit length.
func (a Algorithm) KeyBits() int { return a.keyBits }

// BlockSize returns the symmetric cipher block size used for admin-key
// challenge-response (3DES: 8, AES: 16); zero for asymmetric algorithms.
func (a Algorithm) BlockSize() int { return a.blockSize }

var (
	Alg3DES          = Algorithm{id: 0x03, name: "3DES", blockSize: 8}
	AlgRSA1024       = Algorithm{id: 0x06, name: "RSA1024", keyBits: 1024, isRSA: true}
	AlgRSA2048       = Algorithm{id: 0x07, name: "RSA2048", keyBits: 2048, isRSA: true}
	AlgAES128        = Algorithm{id: 0x08, name: "AES128", blockSize: 16}
	AlgAES192        = Algorithm{id: 0x0A, name: "AES192", blockSize: 16}
	AlgAES256        = Algorithm{id: 0x0C, name: "AES256", blockSize: 16}
	AlgECCP256       = Algorithm{id: 0x11, name: "ECCP256", keyBits: 256, isEC: true, curve: elliptic.P256()}
	AlgECCP384       = Algorithm{id: 0x14, name: "ECCP384", keyBits: 384, isEC: true, curve: elliptic.P384()}
	AlgECCP256SHA1   = Algorithm{id: 0xF0, name: "ECCP256_SHA1", keyBits: 256, isEC: true, curve: elliptic.P256(), pseudo: true}
	AlgECCP256SHA256 = Algorithm{id: 0xF1, name: "ECCP256_SHA256", keyBits: 256, isEC: true, curve: elliptic.P256(), pseudo: true}
)

var algorithmsByID = map[byte]Algorithm{
	Alg3DES.id:          Alg3DES,
	AlgRSA1024.id:       AlgRSA1024,
	AlgRSA2048.id:       AlgRSA2048,
	AlgAES128.id:        AlgAES128,
	AlgAES192.id:        AlgAES192,
	AlgAES256.id:        AlgAES256,
	AlgECCP256.id:       AlgECCP256,
	AlgECCP384.id:       AlgECCP384,
	AlgECCP256SHA1.id:   AlgECCP256SHA1,
	AlgECCP256SHA256.id: AlgECCP256SHA256,
}

// AlgorithmByID looks up an Algorithm by its wire id. The bool is false for
// an id this library doesn't recognize.
func AlgorithmByID(id byte) (Algorithm, bool) {
	a, ok := algorithmsByID[id]
	return a, ok
}

// SlotID is a PIV key reference, one of the enumerated slot ids in
// spec.md section 6.
type SlotID byte

const (
	SlotAuthentication SlotID = 0x9A
	SlotAdmin          SlotID = 0x9B
	SlotSignature      SlotID = 0x9C
	SlotKeyManagement  SlotID = 0x9D
	SlotCardAuth       SlotID = 0x9E
	SlotYKAttestation  SlotID = 0xF9
)

// RetiredSlot returns the retired key-management slot id for index 1..20
// (0x82..0x95).
func RetiredSlot(index int) (SlotID, bool) {
	if index < 1 || index > 20 {
		return 0, false
	}
	return SlotID(0x82 + index - 1), true
}

func (s SlotID) String() string {
	switch s {
	case SlotAuthentication:
		return "9A (authentication)"
	case SlotAdmin:
		return "9B (admin)"
	case SlotSignature:
		return "9C (signature)"
	case SlotKeyManagement:
		return "9D (key management)"
	case SlotCardAuth:
		return "9E (card auth)"
	case SlotYKAttestation:
		return "F9 (YK attestation)"
	default:
		if s >= 0x82 && s <= 0x95 {
			return fmt.Sprintf("%02X (retired key management)", byte(s))
		}
		return fmt.Sprintf("%02X (unknown)", byte(s))
	}
}

// certTag maps a slot id to its GET_DATA/PUT_DATA certificate object tag
// (spec.md section 6's partial tag map, extended to the full retired range
// per NIST SP 800-73-4 table 7).
func certTag(slot SlotID) (uint32, bool) {
	switch slot {
	case SlotAuthentication:
		return 0x5FC105, true
	case SlotSignature:
		return 0x5FC10A, true
	case SlotKeyManagement:
		return 0x5FC10B, true
	case SlotCardAuth:
		return 0x5FC101, true
	case SlotYKAttestation:
		return 0x5FFF01, true
	}
	if slot >= 0x82 && slot <= 0x95 {
		// Retired slots 82..95 occupy 5FC10D..5FC120 contiguously.
		return 0x5FC10D + uint32(slot-0x82), true
	}
	return 0, false
}

// PIN id space (spec.md section 6).
const (
	PINApplication byte = 0x80
	PINGlobal      byte = 0x00
	PUK            byte = 0x81
	PINOCC1        byte = 0x96
	PINOCC2        byte = 0x97
	PINPairing     byte = 0x98
)
