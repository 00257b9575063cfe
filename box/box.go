// Package box implements a sealed ECDH box: a payload encrypted to a named
// token+slot (or a plain EC public key when used fully offline) using an
// ephemeral-static ECDH key agreement and an AEAD cipher, with a
// deterministic binary wire form.
//
// Grounded on pivy's piv_ecdh_box (original_source/piv.h) for the envelope
// shape and field set, and on the teacher's GlobalPlatform session-key
// derivation idiom (card/globalplatform_scp02.go's scp02Derive) for the
// general "derive symmetric key material from a shared secret" pattern,
// generalized here from 3DES-CBC derivation to a SHA-512 KDF feeding an
// AEAD cipher.
package box

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ssh"

	"pivcard/piv"
)

const (
	magic1          = 0xB0
	magic2          = 0xC5
	currentVersion  = 0x02
	flagHasGUIDSlot = 0x01
)

// Box is a sealed (or, transiently, opened) ECDH envelope. Per spec.md
// section 3's invariant, Sealed() == (Ciphertext present && Plaintext
// absent).
type Box struct {
	Version int

	HasGUIDSlot bool
	GUID        [16]byte
	SlotID      byte

	Cipher string
	KDF    string

	RecipientPublicKey *ecdsa.PublicKey
	EphemeralPublicKey *ecdsa.PublicKey

	Nonce      []byte
	Ciphertext []byte // ciphertext || tag, present only while Sealed

	Plaintext []byte // present only while open; caller must zero when done
}

// Sealed reports whether the box currently holds ciphertext rather than
// plaintext.
func (b *Box) Sealed() bool {
	return b.Ciphertext != nil && b.Plaintext == nil
}

// SealOffline encrypts plaintext to recipient using a freshly generated
// ephemeral key pair on recipient's curve, with no token involved at all.
// The sender's ephemeral private key is discarded once sealing completes;
// only its public half is retained in the box.
func SealOffline(recipient *ecdsa.PublicKey, plaintext []byte) (*Box, error) {
	return seal(recipient, nil, 0, plaintext)
}

// Seal encrypts plaintext to the public key of a named token+slot,
// embedding that token's GUID and slot id in the box so a later Open can
// locate it. The token is consulted only for its public key and identity —
// sealing always uses the sender's own fresh ephemeral key, never the
// token as a private party, per spec.md section 4.8.
func Seal(recipient *ecdsa.PublicKey, guid [16]byte, slotID byte, plaintext []byte) (*Box, error) {
	return seal(recipient, &guid, slotID, plaintext)
}

func seal(recipient *ecdsa.PublicKey, guid *[16]byte, slotID byte, plaintext []byte) (*Box, error) {
	curve, err := ecdhCurveFor(recipient.Curve)
	if err != nil {
		return nil, err
	}

	ephemeralPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("box: generating ephemeral key: %w", err)
	}

	recipientECDH, err := recipient.ECDH()
	if err != nil {
		return nil, fmt.Errorf("box: recipient key unsuitable for ECDH: %w", err)
	}

	shared, err := ephemeralPriv.ECDH(recipientECDH)
	if err != nil {
		return nil, fmt.Errorf("box: ECDH agreement failed: %w", err)
	}

	key := kdfSHA512(shared, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("box: constructing AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("box: generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	b := &Box{
		Version:            currentVersion,
		Cipher:             "chacha20-poly1305",
		KDF:                "sha512",
		RecipientPublicKey: recipient,
		EphemeralPublicKey: ecdhPublicKeyToECDSA(ephemeralPriv.PublicKey(), recipient.Curve),
		Nonce:              nonce,
		Ciphertext:         ciphertext,
	}
	if guid != nil {
		b.HasGUIDSlot = true
		b.GUID = *guid
		b.SlotID = slotID
	}
	return b, nil
}

// ECDHFunc performs on-token ECDH: given the peer (ephemeral) public key,
// it returns the raw shared secret, exactly as Token.ECDH does. Open takes
// this function rather than a token, so any source of ECDH can recover Z.
type ECDHFunc func(peer *ecdsa.PublicKey) ([]byte, error)

// Open decrypts b using an on-token ECDH operation performed by ecdh
// (typically Token.ECDH bound to the slot the box names), returning the
// recovered plaintext. b is left sealed; call OpenOffline's sibling
// behavior is not implied — callers that want the box mutated in place
// should set b.Plaintext themselves.
func Open(b *Box, ecdhFn ECDHFunc) ([]byte, error) {
	shared, err := ecdhFn(b.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("box: token ecdh failed: %w", err)
	}
	return unseal(b, shared)
}

// OpenOffline decrypts b using a local EC private key instead of a token.
func OpenOffline(b *Box, priv *ecdsa.PrivateKey) ([]byte, error) {
	if _, err := ecdhCurveFor(priv.Curve); err != nil {
		return nil, err
	}
	privECDH, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("box: private key unsuitable for ECDH: %w", err)
	}
	ephemeralECDH, err := b.EphemeralPublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("box: ephemeral key unsuitable for ECDH: %w", err)
	}
	shared, err := privECDH.ECDH(ephemeralECDH)
	if err != nil {
		return nil, fmt.Errorf("box: ECDH agreement failed: %w", err)
	}
	return unseal(b, shared)
}

func unseal(b *Box, shared []byte) ([]byte, error) {
	if !b.Sealed() {
		return nil, fmt.Errorf("box: not sealed")
	}
	key := kdfSHA512(shared, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("box: constructing AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, b.Nonce, b.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("box: authentication failed: %w", err)
	}
	return plaintext, nil
}

func kdfSHA512(shared []byte, keyLen int) []byte {
	sum := sha512.Sum512(shared)
	return sum[:keyLen]
}

func ecdhCurveFor(curve elliptic.Curve) (ecdh.Curve, error) {
	switch curve {
	case elliptic.P256():
		return ecdh.P256(), nil
	case elliptic.P384():
		return ecdh.P384(), nil
	case elliptic.P521():
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("box: unsupported curve")
	}
}

func ecdhPublicKeyToECDSA(pub *ecdh.PublicKey, curve elliptic.Curve) *ecdsa.PublicKey {
	x, y := elliptic.Unmarshal(curve, pub.Bytes())
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
}

// WriteTo serializes b in the canonical binary form of spec.md section 4.8
// and writes it to w, mirroring pivy's sshbuf_put_piv_box.
func (b *Box) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.WriteByte(magic1)
	buf.WriteByte(magic2)
	buf.WriteByte(byte(b.Version))

	var flags byte
	if b.HasGUIDSlot {
		flags |= flagHasGUIDSlot
	}
	buf.WriteByte(flags)

	if b.HasGUIDSlot {
		buf.Write(b.GUID[:])
		buf.WriteByte(b.SlotID)
	}

	if err := writeLengthPrefixed(&buf, []byte(b.Cipher)); err != nil {
		return 0, err
	}
	if err := writeLengthPrefixed(&buf, []byte(b.KDF)); err != nil {
		return 0, err
	}

	recipientBlob, err := sshMarshalPublicKey(b.RecipientPublicKey)
	if err != nil {
		return 0, err
	}
	if err := writeLengthPrefixed(&buf, recipientBlob); err != nil {
		return 0, err
	}

	ephemeralBlob, err := sshMarshalPublicKey(b.EphemeralPublicKey)
	if err != nil {
		return 0, err
	}
	if err := writeLengthPrefixed(&buf, ephemeralBlob); err != nil {
		return 0, err
	}

	if err := writeLengthPrefixed(&buf, b.Nonce); err != nil {
		return 0, err
	}
	if err := writeLengthPrefixed(&buf, b.Ciphertext); err != nil {
		return 0, err
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom parses the canonical binary form from r. It also accepts
// version 1, which carries a cipher name but no KDF name; the KDF then
// defaults to "sha512".
func ReadFrom(r io.Reader) (*Box, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("box: reading header: %w", err)
	}
	if header[0] != magic1 || header[1] != magic2 {
		return nil, fmt.Errorf("box: bad magic")
	}
	version := header[2]
	if version != 1 && version != currentVersion {
		return nil, fmt.Errorf("box: unsupported version %d", version)
	}
	flags := header[3]

	b := &Box{Version: int(version)}

	if flags&flagHasGUIDSlot != 0 {
		b.HasGUIDSlot = true
		if _, err := io.ReadFull(r, b.GUID[:]); err != nil {
			return nil, fmt.Errorf("box: reading guid: %w", err)
		}
		var slotBuf [1]byte
		if _, err := io.ReadFull(r, slotBuf[:]); err != nil {
			return nil, fmt.Errorf("box: reading slot id: %w", err)
		}
		b.SlotID = slotBuf[0]
	}

	cipherName, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("box: reading cipher name: %w", err)
	}
	b.Cipher = string(cipherName)

	if version == 1 {
		b.KDF = "sha512"
	} else {
		kdfName, err := readLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("box: reading kdf name: %w", err)
		}
		b.KDF = string(kdfName)
	}

	recipientBlob, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("box: reading recipient key: %w", err)
	}
	b.RecipientPublicKey, err = sshUnmarshalPublicKey(recipientBlob)
	if err != nil {
		return nil, err
	}

	ephemeralBlob, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("box: reading ephemeral key: %w", err)
	}
	b.EphemeralPublicKey, err = sshUnmarshalPublicKey(ephemeralBlob)
	if err != nil {
		return nil, err
	}

	b.Nonce, err = readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("box: reading nonce: %w", err)
	}
	b.Ciphertext, err = readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("box: reading ciphertext: %w", err)
	}

	return b, nil
}

// ToBinary is a convenience wrapper around WriteTo for callers that want a
// byte slice rather than a stream.
func (b *Box) ToBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBinary is a convenience wrapper around ReadFrom.
func FromBinary(data []byte) (*Box, error) {
	return ReadFrom(bytes.NewReader(data))
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
	return nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func sshMarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("box: ssh-encoding public key: %w", err)
	}
	return sshPub.Marshal(), nil
}

// FindToken locates the token among tokens that b names by GUID, confirming
// that the slot's certificate public key matches b.RecipientPublicKey
// before returning it. Returns NotFoundError (via the piv package's error
// kind) if b carries no GUID/slot or no candidate's key matches.
func FindToken(tokens []*piv.Token, b *Box) (*piv.Token, piv.SlotID, error) {
	if !b.HasGUIDSlot {
		return nil, 0, piv.NewError(piv.KindNotFound, 0, nil, "box: box has no embedded token GUID/slot")
	}
	slotID := piv.SlotID(b.SlotID)

	for _, tok := range tokens {
		if !bytes.Equal(tok.GUID, b.GUID[:]) {
			continue
		}
		slot, err := tok.ReadCert(slotID)
		if err != nil {
			continue
		}
		if publicKeysEqualBox(slot.PublicKey, b.RecipientPublicKey) {
			return tok, slotID, nil
		}
	}
	return nil, 0, piv.NewError(piv.KindNotFound, 0, nil, "box: no connected token matches this box's recipient")
}

func publicKeysEqualBox(a any, b *ecdsa.PublicKey) bool {
	ak, ok := a.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	return ak.Curve == b.Curve && ak.X.Cmp(b.X) == 0 && ak.Y.Cmp(b.Y) == 0
}

func sshUnmarshalPublicKey(blob []byte) (*ecdsa.PublicKey, error) {
	sshPub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("box: parsing ssh public key: %w", err)
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("box: ssh public key type has no crypto.PublicKey form")
	}
	ecdsaPub, ok := cryptoPub.CryptoPublicKey().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("box: only EC public keys are supported")
	}
	return ecdsaPub, nil
}
