// Package apdu builds and transceives ISO/IEC 7816-4 command/response APDUs:
// command chaining for payloads that exceed one APDU, 61xx GET RESPONSE
// continuation, and 6Cxx Le-correction retry. It has no knowledge of PIV
// semantics; callers build Commands and read back Response.Data and status
// words.
//
// Grounded on the teacher's card.Reader.SendAPDU/GetResponse/Select family
// in card/apdu.go, generalized from the teacher's GSM/USIM fixed-length Le
// handling into PIV's short- and extended-length forms plus explicit
// command chaining, which the teacher's SIM traffic never required.
package apdu

import "fmt"

// maxShortChunk is the largest command-data chunk that fits a short-form
// APDU (Lc is a single byte, 0x00 is reserved to mean "extended form").
const maxShortChunk = 255

// Transport is the minimal card transceive operation a Reader needs;
// *piv.cardTransport and test mocks both implement it.
type Transport interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Command is one ISO 7816-4 command APDU prior to chaining/length encoding.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	// Le is the expected response length. 0 requests the maximum the
	// encoding form allows (256 for short form, 65536 for extended).
	// A negative Le omits the Le field entirely (no data expected back).
	Le int
}

// Response is a fully reassembled response: all GET RESPONSE continuations
// have already been folded into Data, and Le-retry already resolved.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// SW returns the response's status word.
func (r *Response) SW() uint16 { return uint16(r.SW1)<<8 | uint16(r.SW2) }

// IsOK reports whether the status word is 9000.
func (r *Response) IsOK() bool { return r.SW1 == 0x90 && r.SW2 == 0x00 }

// HasMoreData reports a 61xx status, meaning SW2 further bytes are waiting
// behind a GET RESPONSE.
func (r *Response) HasMoreData() bool { return r.SW1 == 0x61 }

// NeedsRetry reports a 6Cxx status, meaning the command should be resent
// with Le set to SW2.
func (r *Response) NeedsRetry() bool { return r.SW1 == 0x6C }

// Transceive sends cmd over t, chaining command data over multiple APDUs if
// it exceeds one APDU's capacity, then reassembles the response across any
// 61xx GET RESPONSE continuations and a single 6Cxx Le-correction retry.
// extended selects extended-length (Lc/Le) encoding for the final segment
// of the chain; intermediate chained segments always use short form, since
// ISO 7816-4 command chaining splits on short-form boundaries regardless of
// the card's extended-length capability.
func Transceive(t Transport, cmd Command, extended bool) (*Response, error) {
	segments := chainSegments(cmd.Data)

	var last *Response
	for i, seg := range segments {
		chained := i < len(segments)-1
		raw := encode(cmd.CLA, cmd.INS, cmd.P1, cmd.P2, seg, cmd.Le, chained, extended && !chained)
		resp, err := transmitOne(t, raw)
		if err != nil {
			return nil, err
		}
		if chained {
			if !resp.IsOK() {
				return resp, fmt.Errorf("apdu: chained segment %d/%d rejected: SW=%04X", i+1, len(segments), resp.SW())
			}
			continue
		}
		last = resp
	}

	if last == nil {
		// cmd.Data was empty; chainSegments always yields at least one
		// (possibly empty) segment, so this is unreachable in practice.
		return nil, fmt.Errorf("apdu: no response segment produced")
	}

	if last.NeedsRetry() {
		retryCmd := cmd
		retryCmd.Le = int(last.SW2)
		raw := encode(cmd.CLA, cmd.INS, cmd.P1, cmd.P2, segments[len(segments)-1], retryCmd.Le, false, extended)
		resp, err := transmitOne(t, raw)
		if err != nil {
			return nil, err
		}
		last = resp
	}

	for last.HasMoreData() {
		getResp := []byte{0x00, 0xC0, 0x00, 0x00, last.SW2}
		resp, err := transmitOne(t, getResp)
		if err != nil {
			return nil, err
		}
		last.Data = append(last.Data, resp.Data...)
		last.SW1 = resp.SW1
		last.SW2 = resp.SW2
	}

	return last, nil
}

func transmitOne(t Transport, raw []byte) (*Response, error) {
	out, err := t.Transmit(raw)
	if err != nil {
		return nil, err
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("apdu: response too short (%d bytes)", len(out))
	}
	return &Response{
		Data: out[:len(out)-2],
		SW1:  out[len(out)-2],
		SW2:  out[len(out)-1],
	}, nil
}

// chainSegments splits data into maxShortChunk-sized pieces for command
// chaining. An empty or nil input yields one empty segment so callers
// without command data still issue a single APDU.
func chainSegments(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	var segs [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > maxShortChunk {
			n = maxShortChunk
		}
		segs = append(segs, data[:n])
		data = data[n:]
	}
	return segs
}

// encode serializes one physical APDU. chained sets CLA's chain bit
// (0x10); extended selects the extended Lc/Le encoding for the final,
// unchained segment when its data or requested Le doesn't fit short form.
func encode(cla, ins, p1, p2 byte, data []byte, le int, chained, extended bool) []byte {
	if chained {
		cla |= 0x10
	}

	header := []byte{cla, ins, p1, p2}

	useExtended := extended && (len(data) > maxShortChunk || le > 256)

	var body []byte
	switch {
	case len(data) == 0 && le < 0:
		body = nil
	case len(data) == 0:
		body = encodeLe(le, useExtended)
	case le < 0:
		body = append(encodeLc(len(data), useExtended), data...)
	default:
		body = append(encodeLc(len(data), useExtended), data...)
		body = append(body, encodeLe(le, useExtended)...)
	}

	return append(header, body...)
}

func encodeLc(n int, extended bool) []byte {
	if !extended {
		return []byte{byte(n)}
	}
	return []byte{0x00, byte(n >> 8), byte(n)}
}

func encodeLe(le int, extended bool) []byte {
	if !extended {
		if le == 0 || le == 256 {
			return []byte{0x00}
		}
		return []byte{byte(le)}
	}
	if le == 0 || le == 65536 {
		return []byte{0x00, 0x00, 0x00}
	}
	return []byte{0x00, byte(le >> 8), byte(le)}
}
