package piv

import (
	"pivcard/piv/apdu"
	"pivcard/piv/atr"
	"pivcard/piv/tlv"
)

var pivAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x08, 0x00, 0x00, 0x10, 0x00}

// tagCardcap, tagCHUID, etc. are the data object tags of section 6's tag map.
const (
	tagCardcap    tlv.Tag = 0x5FC107
	tagCHUID      tlv.Tag = 0x5FC102
	tagSecurity   tlv.Tag = 0x5FC106
	tagKeyHistory tlv.Tag = 0x5FC10C
	tagDiscovery  tlv.Tag = 0x7E
	tagPrinted    tlv.Tag = 0x5FC109
)

const (
	chuidTagGUID       tlv.Tag = 0x34
	chuidTagFASCN      tlv.Tag = 0x30
	chuidTagExpiry     tlv.Tag = 0x35
	chuidTagSignature  tlv.Tag = 0x3E
	keyHistoryOnCard   tlv.Tag = 0xC1
	keyHistoryOffCard  tlv.Tag = 0xC2
	keyHistoryOffURL   tlv.Tag = 0xF3
	discoveryPolicyTag tlv.Tag = 0x5F2F
	discoveryAIDTag    tlv.Tag = 0x4F
)

// Token represents one connected card: its reader, probed capabilities, and
// the ordered registry of slots observed so far. The data model mirrors
// spec.md section 3, grounded on the teacher's card.Reader for the
// transport handle and card.ATRInfo for capability probing, generalized
// from SIM/USIM fields to PIV's CHUID/Discovery/Key-History/YK fields.
type Token struct {
	Reader string

	GUID   []byte
	CHUUID []byte
	FASCN  []byte
	Expiry []byte

	HasCHUID       bool
	HasSignedCHUID bool
	HasVCI         bool
	IsYK           bool
	YKHasSerial    bool

	Algorithms        []Algorithm
	DefaultAuthMethod byte
	AuthMethods       []byte
	YKVersion         [3]byte
	YKSerial          uint32

	KeyHistoryOnCard  int
	KeyHistoryOffCard int
	KeyHistoryOffURL  string

	transport      transport
	atr            *atr.Info
	extendedLength bool

	supportsYKProbe bool // ATR hinted Yubico RID; IsYK is set only once GET VERSION succeeds

	txnOpen     bool
	pinVerified map[byte]bool
	adminAuthed bool

	slots     map[SlotID]*Slot
	slotOrder []SlotID
}

// Select activates the PIV applet. It must be called once per transaction
// before any other command, since the card may have been reset or selected
// by another process since the last select. Select always clears the
// verified-PIN and admin-authenticated flags, per spec.md section 5: the
// applet reselection clears the card's own security status, and the
// library can't observe the card's true state any other way.
func (tk *Token) Select() error {
	tk.pinVerified = make(map[byte]bool)
	tk.adminAuthed = false

	cmd := apdu.Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: pivAID, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return wrap(err)
	}
	if !resp.IsOK() {
		return wrap(errFromSW(resp.SW(), "select PIV applet"))
	}

	if err := tk.probe(); err != nil {
		return err
	}
	return nil
}

// probe reads CHUID, Discovery, Key History, and (for YK tokens) version
// and serial, tolerating absence of any individual object — per spec.md
// section 4.3, "tokens with no accessible PIV applet are skipped" at the
// enumerate layer, but once an applet IS accessible, individual objects
// being absent is not itself fatal.
func (tk *Token) probe() error {
	if chuid, err := tk.getDataObject(tagCHUID); err == nil {
		tk.parseCHUID(chuid)
	}
	if disc, err := tk.getDataObject(tagDiscovery); err == nil {
		tk.parseDiscovery(disc)
	}
	if kh, err := tk.getDataObject(tagKeyHistory); err == nil {
		tk.parseKeyHistory(kh)
	}

	if tk.supportsYKProbe {
		if err := tk.probeYKVersion(); err == nil {
			tk.IsYK = true
			if tk.YKVersion[0] >= 5 {
				if err := tk.probeYKSerial(); err == nil {
					tk.YKHasSerial = true
				}
			}
		}
	}

	tk.Algorithms = tk.supportedAlgorithms()
	return nil
}

// supportedAlgorithms lists the algorithms this client can drive against
// tk: the base PIV set always, plus the ECCP256_SHA* pseudo-algorithms only
// for YK tokens, since those are a Yubico applet extension rather than a
// base PIV capability (NIST SP 800-73-4 has no data object that advertises
// a card's supported algorithm set, so this reflects client capability
// rather than a value read off the card).
func (tk *Token) supportedAlgorithms() []Algorithm {
	algs := []Algorithm{Alg3DES, AlgRSA1024, AlgRSA2048, AlgAES128, AlgAES192, AlgAES256, AlgECCP256, AlgECCP384}
	if tk.IsYK {
		algs = append(algs, AlgECCP256SHA1, AlgECCP256SHA256)
	}
	return algs
}

// Capabilities reports token-level feature support derived at Select time.
func (tk *Token) Capabilities() Capabilities {
	return Capabilities{token: tk}
}

// Capabilities is a thin view over Token exposing capability probes
// separately from the data fields they're derived from.
type Capabilities struct {
	token *Token
}

// HasPseudoHashAlgorithms reports whether tk supports the ECCP256_SHA1/
// ECCP256_SHA256 pseudo-algorithms, where the applet hashes the payload
// on-card rather than accepting a pre-hashed digest (spec.md Open Question
// (ii)). These are a YK proprietary extension.
func (c Capabilities) HasPseudoHashAlgorithms() bool {
	return c.token.IsYK
}

func (tk *Token) parseCHUID(data []byte) {
	tk.HasCHUID = true
	r := tlv.NewReader(data)
	for !r.Done() {
		tag, val, err := r.Next()
		if err != nil {
			return
		}
		switch tag {
		case chuidTagFASCN:
			tk.FASCN = append([]byte{}, val...)
		case chuidTagGUID:
			tk.GUID = append([]byte{}, val...)
		case chuidTagExpiry:
			tk.Expiry = append([]byte{}, val...)
		case chuidTagSignature:
			tk.HasSignedCHUID = len(val) > 0
		}
	}
}

func (tk *Token) parseDiscovery(data []byte) {
	r := tlv.NewReader(data)
	for !r.Done() {
		tag, val, err := r.Next()
		if err != nil {
			return
		}
		if tag == discoveryPolicyTag && len(val) >= 2 {
			tk.DefaultAuthMethod = val[0]
			tk.AuthMethods = append(tk.AuthMethods, val[0])
			tk.HasVCI = val[1]&0x01 != 0
		}
	}
}

func (tk *Token) parseKeyHistory(data []byte) {
	r := tlv.NewReader(data)
	for !r.Done() {
		tag, val, err := r.Next()
		if err != nil {
			return
		}
		switch tag {
		case keyHistoryOnCard:
			if len(val) == 1 {
				tk.KeyHistoryOnCard = int(val[0])
			}
		case keyHistoryOffCard:
			if len(val) == 1 {
				tk.KeyHistoryOffCard = int(val[0])
			}
		case keyHistoryOffURL:
			tk.KeyHistoryOffURL = string(val)
		}
	}
}

// BeginTransaction brackets a sequence of APDUs so the card belongs
// exclusively to this process until EndTransaction. It must be called
// before any command; other processes touching the same reader block until
// the transaction ends. select must still be issued fresh inside each
// transaction.
func (tk *Token) BeginTransaction() error {
	if err := tk.transport.beginTxn(); err != nil {
		return err
	}
	tk.txnOpen = true
	return nil
}

// EndTransaction releases the card and clears the verified-PIN and
// admin-authenticated flags: the card may retain its security status until
// reset, but this client cannot observe that state once the transaction
// has ended.
func (tk *Token) EndTransaction() error {
	tk.txnOpen = false
	tk.pinVerified = make(map[byte]bool)
	tk.adminAuthed = false
	return tk.transport.endTxn()
}

// Release closes the token's underlying card connection and context. After
// Release the Token must not be used again.
func (tk *Token) Release() error {
	return tk.transport.close()
}

// PINVerified reports whether pinID's security status is currently
// considered satisfied by this client.
func (tk *Token) PINVerified(pinID byte) bool {
	return tk.pinVerified[pinID]
}

// AdminAuthenticated reports whether the admin challenge-response succeeded
// earlier in the current transaction.
func (tk *Token) AdminAuthenticated() bool {
	return tk.adminAuthed
}

// getDataObject issues GET_DATA for tag and returns the inner contents of
// the 0x53 wrapper, per spec.md section 4.7's read_file semantics (used
// here directly since probing doesn't need Slot/certificate handling).
func (tk *Token) getDataObject(tag tlv.Tag) ([]byte, error) {
	w := tlv.NewWriter()
	w.WriteTLV(0x5C, tlv.EncodeTag(tag))
	body, _ := w.Bytes()

	cmd := apdu.Command{CLA: 0x00, INS: 0xCB, P1: 0x3F, P2: 0xFF, Data: body, Le: 0}
	resp, err := tk.transceive(cmd)
	if err != nil {
		return nil, wrap(err)
	}
	if !resp.IsOK() {
		return nil, wrap(errFromSW(resp.SW(), "get data"))
	}
	value, ok, err := tlv.Find(resp.Data, 0x53)
	if err != nil {
		return nil, wrap(NewError(KindInvalidData, 0, err, "parsing GET_DATA response"))
	}
	if !ok {
		return nil, wrap(NewError(KindInvalidData, 0, nil, "GET_DATA response missing 53 wrapper"))
	}
	return value, nil
}
