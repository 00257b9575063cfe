// Package atr decodes ISO/IEC 7816-3 Answer To Reset byte strings and
// extracts the historical-byte capability hints PIV enumeration needs:
// whether the card advertises extended-length APDU support, and whether its
// RID matches Yubico's to gate the YubiKey proprietary extensions.
//
// The decoder is grounded on the teacher's card.DecodeATR, generalized with
// a compact-TLV historical-bytes walk (category indicator 0x73) that the
// teacher's SIM-focused decoder didn't need.
package atr

import "fmt"

// Info is a decoded ATR.
type Info struct {
	Raw       []byte
	TS        byte
	T0        byte
	TA        map[int]byte
	TB        map[int]byte
	TC        map[int]byte
	TD        map[int]byte
	HB        []byte // historical bytes
	TCK       *byte
	Protocols []int
}

// Decode parses a raw ATR byte slice.
func Decode(raw []byte) (*Info, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("atr: too short (%d bytes)", len(raw))
	}

	info := &Info{
		Raw: raw,
		TS:  raw[0],
		T0:  raw[1],
		TA:  make(map[int]byte),
		TB:  make(map[int]byte),
		TC:  make(map[int]byte),
		TD:  make(map[int]byte),
	}

	hbLen := int(info.T0 & 0x0F)
	ptr := 2
	pn := 1
	td := info.T0

	for ptr < len(raw) {
		if td&0x10 != 0 {
			if ptr >= len(raw) {
				break
			}
			info.TA[pn] = raw[ptr]
			ptr++
		}
		if td&0x20 != 0 {
			if ptr >= len(raw) {
				break
			}
			info.TB[pn] = raw[ptr]
			ptr++
		}
		if td&0x40 != 0 {
			if ptr >= len(raw) {
				break
			}
			info.TC[pn] = raw[ptr]
			ptr++
		}
		if td&0x80 != 0 {
			if ptr >= len(raw) {
				break
			}
			td = raw[ptr]
			info.TD[pn] = td
			info.Protocols = append(info.Protocols, int(td&0x0F))
			ptr++
			pn++
		} else {
			break
		}
	}

	if ptr+hbLen <= len(raw) {
		info.HB = raw[ptr : ptr+hbLen]
		ptr += hbLen
	} else if ptr < len(raw) {
		info.HB = raw[ptr:]
		ptr = len(raw)
	}

	if ptr < len(raw) {
		tck := raw[ptr]
		info.TCK = &tck
	}

	return info, nil
}

// yubicoRID is the start of Yubico's registered AID range. During
// enumeration it is matched against the ATR historical bytes to decide
// whether to probe for the YK-only extensions.
var yubicoRID = []byte{0xA0, 0x00, 0x00, 0x05, 0x27}

// SupportsExtendedLength reports whether the card's historical bytes
// advertise extended-length APDU support via a compact-TLV category
// indicator block (category byte 0x73, card capabilities tag 0x7). Per
// spec.md's Open Question (i): this is consulted instead of assuming
// extended length from protocol alone. When the historical bytes don't
// carry a parseable capability block, the engine conservatively reports
// false (short-form only).
func (info *Info) SupportsExtendedLength() bool {
	hb := info.HB
	if len(hb) == 0 || hb[0] != 0x73 {
		return false
	}
	// Compact-TLV: category indicator 0x73 is followed by a status
	// indicator block whose tag/length nibbles walk the remaining bytes.
	i := 1
	for i < len(hb) {
		tag := hb[i] >> 4
		length := int(hb[i] & 0x0F)
		i++
		if i+length > len(hb) {
			return false
		}
		value := hb[i : i+length]
		i += length
		if tag == 0x7 && len(value) >= 3 {
			// Third byte of the card capabilities TLV, bit 6 (0x40),
			// signals support for extended Lc/Le fields.
			return value[2]&0x40 != 0
		}
	}
	return false
}

// LooksLikeYubico reports whether the historical bytes embed Yubico's RID,
// used as a best-effort hint before the PIV applet has been selected.
func (info *Info) LooksLikeYubico() bool {
	return containsSubslice(info.HB, yubicoRID)
}

func containsSubslice(hay, needle []byte) bool {
	if len(needle) == 0 || len(hay) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Convention reports the ATR's bit convention (direct or inverse), from TS.
func (info *Info) Convention() string {
	switch info.TS {
	case 0x3B:
		return "direct"
	case 0x3F:
		return "inverse"
	default:
		return "unknown"
	}
}
