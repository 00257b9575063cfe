package piv

import (
	"log/slog"

	"github.com/ebfe/scard"

	"pivcard/piv/apdu"
	"pivcard/piv/atr"
)

// transport is the interface Token drives its commands through: apdu.Transport
// plus the transaction/lifecycle hooks PC/SC exposes at the card (not the
// APDU) level. cardTransport is the only production implementation; tests
// substitute a scripted mock satisfying the same interface.
type transport interface {
	apdu.Transport
	beginTxn() error
	endTxn() error
	close() error
}

// cardTransport adapts an open scard.Card to transport, and is the
// concrete transport every production Token carries. Grounded on the
// teacher's card.Reader, which wraps the identical
// *scard.Context/*scard.Card pair; generalized here to separate
// context/card lifetime from the command surface, since a Token outlives
// individual transactions.
type cardTransport struct {
	ctx    *scard.Context
	card   *scard.Card
	name   string
	rawATR []byte
	logger *slog.Logger

	inTxn bool
}

func (c *cardTransport) Transmit(raw []byte) ([]byte, error) {
	traceSend(c.logger, raw)
	out, err := c.card.Transmit(raw)
	if err != nil {
		return nil, wrap(NewError(KindIO, 0, err, "transmit failed on %s", c.name))
	}
	traceRecv(c.logger, out)
	return out, nil
}

func (c *cardTransport) beginTxn() error {
	if c.inTxn {
		return nil
	}
	if err := c.card.BeginTransaction(); err != nil {
		return wrap(NewError(KindIO, 0, err, "begin transaction on %s", c.name))
	}
	c.inTxn = true
	return nil
}

func (c *cardTransport) endTxn() error {
	if !c.inTxn {
		return nil
	}
	c.inTxn = false
	if err := c.card.EndTransaction(scard.LeaveCard); err != nil {
		return wrap(NewError(KindIO, 0, err, "end transaction on %s", c.name))
	}
	return nil
}

func (c *cardTransport) close() error {
	if c.inTxn {
		_ = c.card.EndTransaction(scard.LeaveCard)
		c.inTxn = false
	}
	if c.card != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
	return nil
}

// Options configure token enumeration and connection.
type Options struct {
	logger *slog.Logger
}

// Option configures Options via the functional-options pattern, following
// the teacher's style of plain constructor functions generalized here since
// the teacher itself took no configurable options.
type Option func(*Options)

// WithLogger overrides the slog.Logger used for APDU tracing and
// operational messages. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.logger = l }
}

func newOptions(opts []Option) *Options {
	o := &Options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enumerate lists all readers with a card present, attempts to select the
// PIV applet on each, and returns one Token per card that answers with a
// usable PIV applet. Readers with no card, or whose card doesn't select the
// PIV AID, are skipped rather than erroring the whole enumeration.
//
// Each returned Token gets its own PC/SC context (established fresh per
// reader in connectAndSelect) rather than sharing one context across the
// batch: spec.md section 5 supports using multiple tokens concurrently, and
// section 3 scopes Release to the token's own resources, so one token's
// Release must not tear down a sibling token still in use.
func Enumerate(opts ...Option) ([]*Token, error) {
	o := newOptions(opts)

	listCtx, err := scard.EstablishContext()
	if err != nil {
		return nil, wrap(NewError(KindIO, 0, err, "establish PC/SC context"))
	}
	defer listCtx.Release()

	readers, err := listCtx.ListReaders()
	if err != nil {
		return nil, wrap(NewError(KindIO, 0, err, "list readers"))
	}

	var tokens []*Token
	for _, name := range readers {
		tok, err := connectAndSelect(name, o)
		if err != nil {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// Find enumerates tokens and returns the one whose GUID matches the first
// guidlen bytes of guid. It fails with a DuplicateError if more than one
// token matches a short (guidlen < 16) prefix.
func Find(guid []byte, guidlen int, opts ...Option) (*Token, error) {
	tokens, err := Enumerate(opts...)
	if err != nil {
		return nil, err
	}
	if guidlen <= 0 || guidlen > 16 || guidlen > len(guid) {
		return nil, wrap(NewError(KindArgument, 0, nil, "invalid guidlen %d", guidlen))
	}

	var match *Token
	for _, tok := range tokens {
		if len(tok.GUID) < guidlen {
			continue
		}
		if !bytesEqual(tok.GUID[:guidlen], guid[:guidlen]) {
			continue
		}
		if match != nil && guidlen < 16 {
			return nil, wrap(NewError(KindDuplicate, 0, nil, "multiple tokens match GUID prefix"))
		}
		match = tok
		if guidlen == 16 {
			return match, nil
		}
	}
	if match == nil {
		return nil, wrap(NewError(KindNotFound, 0, nil, "no token matches GUID prefix"))
	}
	return match, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func connectAndSelect(name string, o *Options) (*Token, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, err
	}
	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		ctx.Release()
		return nil, err
	}

	tr := &cardTransport{ctx: ctx, card: card, name: name, rawATR: status.Atr, logger: o.logger}
	info, _ := atr.Decode(status.Atr)

	tok := &Token{
		Reader:          name,
		transport:       tr,
		atr:             info,
		extendedLength:  info != nil && info.SupportsExtendedLength(),
		pinVerified:     make(map[byte]bool),
		slots:           make(map[SlotID]*Slot),
		slotOrder:       nil,
		supportsYKProbe: info != nil && info.LooksLikeYubico(),
	}

	if err := tok.Select(); err != nil {
		tr.close()
		return nil, err
	}
	return tok, nil
}

// transceive is a thin helper giving Token/Slot code a single call site
// for building and sending a Command, tying in extended-length negotiation.
func (tk *Token) transceive(cmd apdu.Command) (*apdu.Response, error) {
	return apdu.Transceive(tk.transport, cmd, tk.extendedLength)
}
