package piv

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is the closed set of PIV error categories. Every operation that can
// fail returns a *Error tagged with one of these, so callers can branch on
// cause rather than parsing message text.
type Kind int

const (
	// KindIO covers reader-library transport failures: card removed, reset,
	// or the PC/SC stack itself erroring.
	KindIO Kind = iota
	// KindAPDU is a status word the other Kinds don't classify more
	// specifically; the raw SW is attached.
	KindAPDU
	// KindPermission covers 6982, wrong PIN, wrong admin key, and any other
	// security-status-not-satisfied condition.
	KindPermission
	// KindNotFound covers 6A82 and unknown object/slot lookups.
	KindNotFound
	// KindNotSupported covers 6A81, 6D00, and unsupported algorithm/slot
	// combinations.
	KindNotSupported
	// KindInvalidData covers TLV, X.509, or GEN_AUTH parse failures.
	KindInvalidData
	// KindArgument covers bad caller input: PIN too long, unknown algorithm,
	// nil fields where a value is required.
	KindArgument
	// KindDuplicate covers an ambiguous GUID prefix in Find.
	KindDuplicate
	// KindDeviceOutOfMemory covers 6A84 and PUT_DATA payloads too large for
	// the card.
	KindDeviceOutOfMemory
	// KindMinRetries covers a VerifyPIN call refused by the min-retries
	// guard before any attempt was spent.
	KindMinRetries
	// KindResetConditions covers a YK reset refused because the PIN/PUK
	// retry counters are not both exhausted.
	KindResetConditions
	// KindKeyAuth covers AuthenticateKey mismatches or a self-test
	// signature that failed to verify.
	KindKeyAuth
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IOError"
	case KindAPDU:
		return "APDUError"
	case KindPermission:
		return "PermissionError"
	case KindNotFound:
		return "NotFoundError"
	case KindNotSupported:
		return "NotSupportedError"
	case KindInvalidData:
		return "InvalidDataError"
	case KindArgument:
		return "ArgumentError"
	case KindDuplicate:
		return "DuplicateError"
	case KindDeviceOutOfMemory:
		return "DeviceOutOfMemoryError"
	case KindMinRetries:
		return "MinRetriesError"
	case KindResetConditions:
		return "ResetConditionsError"
	case KindKeyAuth:
		return "KeyAuthError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type returned by every operation in this
// module. SW is the raw status word when the error originated from a card
// response; it is zero otherwise.
type Error struct {
	Kind  Kind
	SW    uint16
	Msg   string
	cause error

	// Retries is the remaining retry count reported by the card on a
	// failed PIN/PUK verification (63Cx); zero when not applicable.
	Retries int
}

func (e *Error) Error() string {
	if e.SW != 0 {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s (SW=%04X)", e.Kind, e.Msg, e.SW)
		}
		return fmt.Sprintf("%s (SW=%04X)", e.Kind, e.SW)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a *Error of the given kind. cause may be nil.
func NewError(kind Kind, sw uint16, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:  kind,
		SW:    sw,
		Msg:   fmt.Sprintf(format, args...),
		cause: cause,
	}
}

// wrap attaches a trace stack to err for diagnostics while preserving the
// Kind taxonomy on the way out, mirroring how the teleport PIV integration
// wraps every returned error with trace.Wrap.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(err)
}

// errFromSW classifies a terminal status word into the closed Kind
// taxonomy per spec.md section 7/6.
func errFromSW(sw uint16, context string) *Error {
	switch sw {
	case 0x6982:
		return NewError(KindPermission, sw, nil, "security status not satisfied%s", suffixFor(context))
	case 0x6983:
		return NewError(KindPermission, sw, nil, "authentication method blocked%s", suffixFor(context))
	case 0x6A82:
		return NewError(KindNotFound, sw, nil, "object or slot not found%s", suffixFor(context))
	case 0x6A81:
		return NewError(KindNotSupported, sw, nil, "function not supported%s", suffixFor(context))
	case 0x6D00:
		return NewError(KindNotSupported, sw, nil, "instruction not supported%s", suffixFor(context))
	case 0x6A84:
		return NewError(KindDeviceOutOfMemory, sw, nil, "out of memory%s", suffixFor(context))
	default:
		return NewError(KindAPDU, sw, nil, "unexpected status word%s", suffixFor(context))
	}
}

func suffixFor(context string) string {
	if context == "" {
		return ""
	}
	return ": " + context
}

// IsNotFound reports whether err (or any error it wraps) is a NotFoundError.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsPermission reports whether err (or any error it wraps) is a PermissionError.
func IsPermission(err error) bool { return hasKind(err, KindPermission) }

// IsNotSupported reports whether err (or any error it wraps) is a NotSupportedError.
func IsNotSupported(err error) bool { return hasKind(err, KindNotSupported) }

// IsInvalidData reports whether err (or any error it wraps) is an InvalidDataError.
func IsInvalidData(err error) bool { return hasKind(err, KindInvalidData) }

func hasKind(err error, kind Kind) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == kind
	}
	return false
}
