package piv

import (
	"bytes"
	"crypto/aes"
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"

	"pivcard/piv/apdu"
	"pivcard/piv/tlv"
)

// verifyConfig holds the optional behaviors of VerifyPIN, set via
// VerifyOption functional options (spec.md section 4.5's combined
// min_retries/canskip parameters).
type verifyConfig struct {
	minRetries int
	canSkip    bool
}

// VerifyOption configures a VerifyPIN call.
type VerifyOption func(*verifyConfig)

// WithMinRetries refuses to spend a PIN attempt if the card's remaining
// retry count is already below n.
func WithMinRetries(n int) VerifyOption {
	return func(c *verifyConfig) { c.minRetries = n }
}

// WithCanSkip allows VerifyPIN to short-circuit via an empty VERIFY probe
// if this PIN id's security status is already satisfied from an earlier
// call in the same transaction.
func WithCanSkip() VerifyOption {
	return func(c *verifyConfig) { c.canSkip = true }
}

// VerifyPIN authenticates the cardholder for pinID (one of the PIN id
// constants in this package). pin must be 1..8 ASCII bytes; anything else
// is an ArgumentError. See spec.md section 4.5 for the full decision
// sequence this follows.
func (tk *Token) VerifyPIN(pinID byte, pin []byte, opts ...VerifyOption) error {
	if len(pin) == 0 || len(pin) > 8 {
		return wrap(NewError(KindArgument, 0, nil, "PIN must be 1..8 bytes, got %d", len(pin)))
	}
	for _, b := range pin {
		if b < 0x20 || b > 0x7E {
			return wrap(NewError(KindArgument, 0, nil, "PIN must be printable ASCII"))
		}
	}

	cfg := verifyConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.canSkip && tk.pinVerified[pinID] {
		resp, err := tk.sendVerify(pinID, nil)
		if err != nil {
			return err
		}
		if resp.IsOK() {
			return nil
		}
		// Fall through: status changed since we last believed it verified.
	}

	if cfg.minRetries > 0 {
		resp, err := tk.sendVerify(pinID, nil)
		if err != nil {
			return err
		}
		if remaining, ok := retriesFromSW(resp.SW()); ok && remaining < cfg.minRetries {
			return wrap(&Error{Kind: KindMinRetries, SW: resp.SW(), Msg: "PIN retries below minimum", Retries: remaining})
		}
	}

	padded := padPIN(pin)
	resp, err := tk.sendVerify(pinID, padded)
	if err != nil {
		return err
	}
	if resp.IsOK() {
		tk.pinVerified[pinID] = true
		return nil
	}
	tk.pinVerified[pinID] = false
	if remaining, ok := retriesFromSW(resp.SW()); ok {
		return wrap(&Error{Kind: KindPermission, SW: resp.SW(), Msg: "PIN verification failed", Retries: remaining})
	}
	return wrap(errFromSW(resp.SW(), "verify PIN"))
}

func (tk *Token) sendVerify(pinID byte, data []byte) (*apdu.Response, error) {
	cmd := apdu.Command{CLA: 0x00, INS: 0x20, P1: 0x00, P2: pinID, Data: data, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	return resp, nil
}

// padPIN pads an ASCII PIN to 8 bytes with 0xFF, per spec.md section 4.5 and
// testable property 4.
func padPIN(pin []byte) []byte {
	out := make([]byte, 8)
	for i := range out {
		out[i] = 0xFF
	}
	copy(out, pin)
	return out
}

// retriesFromSW extracts the remaining retry count from a 63Cx status word.
func retriesFromSW(sw uint16) (int, bool) {
	if sw&0xFFF0 == 0x63C0 {
		return int(sw & 0x0F), true
	}
	return 0, false
}

// ChangePIN changes pinID from oldPIN to newPIN (INS 24).
func (tk *Token) ChangePIN(pinID byte, oldPIN, newPIN []byte) error {
	return tk.changeOrReset(0x24, pinID, oldPIN, newPIN)
}

// ResetPIN resets pinID's value using the PUK (INS 2C).
func (tk *Token) ResetPIN(pinID byte, puk, newPIN []byte) error {
	return tk.changeOrReset(0x2C, pinID, puk, newPIN)
}

func (tk *Token) changeOrReset(ins byte, pinID byte, first, second []byte) error {
	if len(first) == 0 || len(first) > 8 || len(second) == 0 || len(second) > 8 {
		return wrap(NewError(KindArgument, 0, nil, "PIN/PUK values must be 1..8 bytes"))
	}
	data := append(padPIN(first), padPIN(second)...)
	cmd := apdu.Command{CLA: 0x00, INS: ins, P1: 0x00, P2: pinID, Data: data, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if resp.IsOK() {
		tk.pinVerified[pinID] = false
		return nil
	}
	if remaining, ok := retriesFromSW(resp.SW()); ok {
		return wrap(&Error{Kind: KindPermission, SW: resp.SW(), Msg: "PIN change/reset failed", Retries: remaining})
	}
	return wrap(errFromSW(resp.SW(), "change/reset PIN"))
}

// AuthenticateAdmin performs the three-message mutual challenge-response
// against the administration key (slot 9B), using 3DES-ECB or AES-ECB per
// alg's block size, grounded on the teacher's SCP02 challenge-response
// idiom (card/globalplatform_scp02.go) generalized from a secure-channel
// session key to PIV's single admin key.
func (tk *Token) AuthenticateAdmin(alg Algorithm, key []byte) error {
	blockSize := alg.BlockSize()
	if blockSize == 0 {
		return wrap(NewError(KindArgument, 0, nil, "algorithm %s is not a symmetric admin-key algorithm", alg))
	}

	w := tlv.NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x80, nil)
	if err := w.Close(); err != nil {
		return wrap(NewError(KindInvalidData, 0, err, "building witness request"))
	}
	body, _ := w.Bytes()

	cmd := apdu.Command{CLA: 0x00, INS: 0x87, P1: alg.ID(), P2: 0x9B, Data: body, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "admin auth: request witness"))
	}

	dynAuth, ok, err := tlv.Find(resp.Data, 0x7C)
	var witness []byte
	if err == nil && ok {
		witness, ok, err = tlv.Find(dynAuth, 0x80)
	}
	if err != nil || !ok || len(witness) != blockSize {
		return wrap(NewError(KindInvalidData, 0, err, "admin auth: malformed witness"))
	}

	decryptedWitness, err := ecbDecrypt(alg, key, witness)
	if err != nil {
		return wrap(NewError(KindInvalidData, 0, err, "admin auth: decrypting witness"))
	}

	challenge := make([]byte, blockSize)
	if _, err := rand.Read(challenge); err != nil {
		return wrap(NewError(KindIO, 0, err, "admin auth: generating challenge"))
	}

	w = tlv.NewWriter()
	w.Open(0x7C)
	w.WriteTLV(0x80, decryptedWitness)
	w.WriteTLV(0x81, challenge)
	if err := w.Close(); err != nil {
		return wrap(NewError(KindInvalidData, 0, err, "building challenge message"))
	}
	body, _ = w.Bytes()

	cmd = apdu.Command{CLA: 0x00, INS: 0x87, P1: alg.ID(), P2: 0x9B, Data: body, Le: 0}
	resp, err = tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "admin auth: send challenge"))
	}

	dynAuth, ok, err = tlv.Find(resp.Data, 0x7C)
	var cardResponse []byte
	if err == nil && ok {
		cardResponse, ok, err = tlv.Find(dynAuth, 0x82)
	}
	if err != nil || !ok || len(cardResponse) != blockSize {
		return wrap(NewError(KindInvalidData, 0, err, "admin auth: malformed response"))
	}

	expected, err := ecbEncrypt(alg, key, challenge)
	if err != nil {
		return wrap(NewError(KindInvalidData, 0, err, "admin auth: encrypting challenge"))
	}

	if subtle.ConstantTimeCompare(expected, cardResponse) != 1 {
		return wrap(NewError(KindPermission, 0, nil, "admin key mismatch"))
	}

	tk.adminAuthed = true
	return nil
}

func ecbEncrypt(alg Algorithm, key, block []byte) ([]byte, error) {
	c, err := newBlockCipher(alg, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(block))
	for i := 0; i < len(block); i += c.BlockSize() {
		c.Encrypt(out[i:i+c.BlockSize()], block[i:i+c.BlockSize()])
	}
	return out, nil
}

func ecbDecrypt(alg Algorithm, key, block []byte) ([]byte, error) {
	c, err := newBlockCipher(alg, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(block))
	for i := 0; i < len(block); i += c.BlockSize() {
		c.Decrypt(out[i:i+c.BlockSize()], block[i:i+c.BlockSize()])
	}
	return out, nil
}

func newBlockCipher(alg Algorithm, key []byte) (blockCipher, error) {
	switch alg.ID() {
	case Alg3DES.ID():
		if len(key) == 16 {
			expanded := make([]byte, 24)
			copy(expanded, key)
			copy(expanded[16:], key[:8])
			key = expanded
		}
		return des.NewTripleDESCipher(key)
	case AlgAES128.ID(), AlgAES192.ID(), AlgAES256.ID():
		return aes.NewCipher(key)
	default:
		return nil, NewError(KindArgument, 0, nil, "algorithm %s is not supported for admin auth", alg)
	}
}

// blockCipher is the subset of cipher.Block this package needs.
type blockCipher interface {
	BlockSize() int
	Encrypt(dst, src []byte)
	Decrypt(dst, src []byte)
}

// AuthenticateKey asserts that slot's cached public key equals pubkey, then
// proves possession by signing random bytes and verifying against pubkey,
// per spec.md section 4.5's auth_key.
func (tk *Token) AuthenticateKey(slot *Slot, pubkey any) error {
	if !publicKeysEqual(slot.PublicKey, pubkey) {
		return wrap(NewError(KindKeyAuth, 0, nil, "slot %s public key does not match", slot.ID))
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return wrap(NewError(KindIO, 0, err, "generating auth_key challenge"))
	}

	sig, err := tk.Sign(slot, challenge)
	if err != nil {
		return wrap(err)
	}

	if !verifySignature(pubkey, sha256Sum(challenge), sig) {
		return wrap(NewError(KindKeyAuth, 0, nil, "slot %s signature failed to verify", slot.ID))
	}
	return nil
}

func publicKeysEqual(a, b any) bool {
	ab, aerr := marshalPublicKey(a)
	bb, berr := marshalPublicKey(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
