package piv

import (
	"crypto/x509"

	"pivcard/piv/apdu"
)

// probeYKVersion issues the YK GET VERSION command (INS FD), setting
// tk.YKVersion on success. Called once during Select's probe step when the
// ATR hinted the Yubico RID.
func (tk *Token) probeYKVersion() error {
	cmd := apdu.Command{CLA: 0x00, INS: 0xFD, P1: 0x00, P2: 0x00, Data: nil, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() || len(resp.Data) < 3 {
		return wrap(errFromSW(resp.SW(), "get version"))
	}
	copy(tk.YKVersion[:], resp.Data[:3])
	return nil
}

// probeYKSerial issues GET SERIAL (INS F8), available on firmware 5.0.0+.
func (tk *Token) probeYKSerial() error {
	cmd := apdu.Command{CLA: 0x00, INS: 0xF8, P1: 0x00, P2: 0x00, Data: nil, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() || len(resp.Data) != 4 {
		return wrap(errFromSW(resp.SW(), "get serial"))
	}
	tk.YKSerial = uint32(resp.Data[0])<<24 | uint32(resp.Data[1])<<16 | uint32(resp.Data[2])<<8 | uint32(resp.Data[3])
	return nil
}

// Attest requests the YK attestation certificate for slot (INS F9): a
// certificate signed by the device's attestation key asserting slot's
// public key and policies. Returns NotSupportedError on non-YK tokens.
func (tk *Token) Attest(slot SlotID) (*x509.Certificate, error) {
	if !tk.IsYK {
		return nil, wrap(NewError(KindNotSupported, 0, nil, "attestation requires a YK token"))
	}
	cmd := apdu.Command{CLA: 0x00, INS: 0xF9, P1: 0x00, P2: byte(slot), Data: nil, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	if !resp.IsOK() {
		return nil, wrap(errFromSW(resp.SW(), "attest"))
	}
	cert, err := x509.ParseCertificate(resp.Data)
	if err != nil {
		return nil, wrap(NewError(KindInvalidData, 0, err, "parsing attestation certificate"))
	}
	return cert, nil
}

// SetPINRetries sets the PIN and PUK retry counters (INS FA). Requires
// AuthenticateAdmin. This resets both PIN and PUK to their default values
// on most firmware, matching ykpiv_set_pin_retries semantics.
func (tk *Token) SetPINRetries(pinTries, pukTries byte) error {
	if !tk.IsYK {
		return wrap(NewError(KindNotSupported, 0, nil, "set_pin_retries requires a YK token"))
	}
	cmd := apdu.Command{CLA: 0x00, INS: 0xFA, P1: pinTries, P2: pukTries, Data: nil, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "set pin retries"))
	}
	return nil
}

// SetAdminKey installs a new administration key and, on firmware that
// supports it, its touch policy (INS FF). Requires AuthenticateAdmin.
func (tk *Token) SetAdminKey(alg Algorithm, key []byte, touchPolicy TouchPolicy) error {
	if !tk.IsYK {
		return wrap(NewError(KindNotSupported, 0, nil, "set_admin requires a YK token"))
	}
	data := append([]byte{0x9B, byte(len(key))}, key...)
	cmd := apdu.Command{CLA: 0x00, INS: 0xFF, P1: alg.ID(), P2: byte(touchPolicy), Data: data, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "set admin key"))
	}
	return nil
}

// Reset performs a factory reset (INS FB), wiping all keys, certificates,
// and PIN/PUK state. It refuses with ResetConditionsError unless both the
// PIN and PUK retry counters are already exhausted, a client-side
// precondition check mirroring ykpiv_reset's guard against an accidental
// irreversible wipe. pinRetriesLeft/pukRetriesLeft are obtained by the
// caller from a prior failed VerifyPIN/ResetPIN's Error.Retries.
func (tk *Token) Reset(pinRetriesLeft, pukRetriesLeft int) error {
	if !tk.IsYK {
		return wrap(NewError(KindNotSupported, 0, nil, "reset requires a YK token"))
	}
	if pinRetriesLeft != 0 || pukRetriesLeft != 0 {
		return wrap(NewError(KindResetConditions, 0, nil, "PIN and PUK must both be blocked before reset"))
	}
	cmd := apdu.Command{CLA: 0x00, INS: 0xFB, P1: 0x00, P2: 0x00, Data: nil, Le: -1}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "reset"))
	}
	tk.pinVerified = make(map[byte]bool)
	tk.adminAuthed = false
	return nil
}
