// Package fido defines the error taxonomy shared by every layer of the
// gofido stack.
//
// A single error type, Error, is surfaced to callers regardless of where
// the failure originated: the OS HID layer, the U2FHID transport, or the
// APDU status word returned by the authenticator. The Kind carried by the
// error selects the caller's reaction; the retry loops in u2ftoken and
// fidohost dispatch on it.
package fido

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Kind — unified failure classification
// -------------------------------------------------------------------------

// Kind classifies a gofido failure. It spans three layers: APDU status
// words (UserPresenceRequired, InvalidKeyHandle, UnsupportedOperation),
// U2FHID device errors (Timeout, TokenBusy), and host-side conditions
// (InterruptedIO, ProtocolViolation).
type Kind uint8

const (
	// KindUnknown is the zero Kind, used for errors that did not
	// originate in gofido.
	KindUnknown Kind = iota

	// KindUserPresenceRequired indicates the authenticator is waiting
	// for a touch (APDU status 0x6985). Register and Authenticate
	// consume this internally in their retry loops, and CheckKeyHandle
	// reads it as the key handle belonging to the device.
	KindUserPresenceRequired

	// KindInvalidKeyHandle indicates the key handle does not belong to
	// this authenticator (APDU status 0x6A80).
	KindInvalidKeyHandle

	// KindUnsupportedOperation indicates the authenticator rejected an
	// instruction or parameter, or the caller asked for a capability
	// the device's capability bits say it lacks.
	KindUnsupportedOperation

	// KindTimeout indicates the device signalled MessageTimeout, or a
	// driver round timer fired before a device answered.
	KindTimeout

	// KindTokenBusy indicates the device signalled ChannelBusy or is
	// mid-lock on behalf of another channel.
	KindTokenBusy

	// KindInterruptedIO indicates an OS HID read or write failed or
	// timed out. The session that produced it is unusable.
	KindInterruptedIO

	// KindProtocolViolation indicates a framing invariant was broken:
	// short frame, wrong command echo, out-of-order sequence, or an
	// unexpected success on a check-only call.
	KindProtocolViolation
)

// kindNames maps kinds to human-readable strings.
var kindNames = [...]string{
	"Unknown",
	"UserPresenceRequired",
	"InvalidKeyHandle",
	"UnsupportedOperation",
	"Timeout",
	"TokenBusy",
	"InterruptedIO",
	"ProtocolViolation",
}

// String returns the human-readable name for the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// -------------------------------------------------------------------------
// Sentinels — errors.Is targets per kind
// -------------------------------------------------------------------------

// Sentinel errors, one per Kind. An *Error matches the sentinel of its
// kind under errors.Is, so callers can write
//
//	if errors.Is(err, fido.ErrTokenBusy) { ... }
//
// without unwrapping to *Error themselves.
var (
	ErrUserPresenceRequired = errors.New("user presence required")
	ErrInvalidKeyHandle     = errors.New("invalid key handle")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrTimeout              = errors.New("message timeout")
	ErrTokenBusy            = errors.New("token busy")
	ErrInterruptedIO        = errors.New("interrupted hid i/o")
	ErrProtocolViolation    = errors.New("u2fhid protocol violation")
)

// sentinels maps each kind to its errors.Is target.
var sentinels = map[Kind]error{
	KindUserPresenceRequired: ErrUserPresenceRequired,
	KindInvalidKeyHandle:     ErrInvalidKeyHandle,
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindTimeout:              ErrTimeout,
	KindTokenBusy:            ErrTokenBusy,
	KindInterruptedIO:        ErrInterruptedIO,
	KindProtocolViolation:    ErrProtocolViolation,
}

// -------------------------------------------------------------------------
// Error — the single surfaced error type
// -------------------------------------------------------------------------

// Error is the error type surfaced by the u2fhid, u2ftoken and fidohost
// packages. Status carries the originating APDU status word when the
// failure came from an APDU response, zero otherwise.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed ("init", "register", ...).
	Op string

	// Status is the big-endian APDU status word that produced this
	// error, or zero if the failure was not an APDU status.
	Status uint16

	// Err is the underlying cause, nil if the kind alone describes
	// the failure.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (status 0x%04X): %v", e.Op, msg, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status 0x%04X)", e.Op, msg, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of this error's kind,
// giving errors.Is(err, fido.ErrTimeout)-style matching.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// NewError builds an *Error with the given kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusError builds an *Error for an APDU status word, classifying it
// with the given kind.
func StatusError(kind Kind, op string, status uint16) *Error {
	return &Error{Kind: kind, Op: op, Status: status}
}

// -------------------------------------------------------------------------
// Inspection helpers
// -------------------------------------------------------------------------

// KindOf extracts the Kind from err, unwrapping as needed. Errors that
// did not originate in gofido report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf extracts the originating APDU status word from err, or zero
// if err carries none.
func StatusOf(err error) uint16 {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsTransient reports whether err is one of the failure kinds the
// discovery and driver retry loops swallow: Timeout, TokenBusy and
// InterruptedIO. Everything else escapes those loops.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTokenBusy, KindInterruptedIO:
		return true
	default:
		return false
	}
}
