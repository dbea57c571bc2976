package u2ftoken

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dantte-lp/gofido/fido"
)

// SupportedVersion is the only U2F protocol version this library
// speaks. Started requests carrying any other version string fail
// immediately.
const SupportedVersion = "U2F_V2"

// legacyVersion is reported for devices that predate U2F_VERSION and
// answer it with InstructionUnsupported.
const legacyVersion = "v0"

// presencePollInterval is the pause between re-issuing an APDU while
// the device waits for a touch.
const presencePollInterval = 100 * time.Millisecond

// maxKeyHandleSize bounds a key handle so its length fits the one-byte
// length field of the authenticate message.
const maxKeyHandleSize = 255

// clientData typ values, fixed by the U2F JavaScript API.
const (
	typRegister     = "navigator.id.finishEnrollment"
	typAuthenticate = "navigator.id.getAssertion"
)

// websafeB64 is the unpadded URL-safe base64 dialect U2F uses for key
// handles and response payloads.
var websafeB64 = base64.RawURLEncoding

// -------------------------------------------------------------------------
// Request / response objects
// -------------------------------------------------------------------------

// StartedRegistration is a server-produced registration challenge.
type StartedRegistration struct {
	// AppID is the application identity the credential is scoped to.
	AppID string `json:"appId"`

	// Challenge is the server challenge, carried verbatim into
	// clientData.
	Challenge string `json:"challenge"`

	// Version must be "U2F_V2".
	Version string `json:"version"`
}

// StartedAuthentication is a server-produced signing challenge.
type StartedAuthentication struct {
	// AppID is the application identity the credential is scoped to.
	AppID string `json:"appId"`

	// Challenge is the server challenge, carried verbatim into
	// clientData.
	Challenge string `json:"challenge"`

	// KeyHandle is the websafe-base64 key handle from registration.
	KeyHandle string `json:"keyHandle"`

	// Version must be "U2F_V2".
	Version string `json:"version"`
}

// RegisterResponse is the signed outcome of a registration.
type RegisterResponse struct {
	// RegistrationData is the websafe-base64 raw registration message.
	RegistrationData string `json:"registrationData"`

	// ClientData is the websafe-base64 clientData JSON the device
	// signed over.
	ClientData string `json:"clientData"`
}

// AuthenticateResponse is the signed outcome of an authentication.
type AuthenticateResponse struct {
	// ClientData is the websafe-base64 clientData JSON the device
	// signed over.
	ClientData string `json:"clientData"`

	// SignatureData is the websafe-base64 raw signature message.
	SignatureData string `json:"signatureData"`

	// KeyHandle echoes the key handle the assertion was made with.
	KeyHandle string `json:"keyHandle"`
}

// clientData is the JSON blob bound into the device signature. Origin
// is a pointer so an absent facet serializes as null.
type clientData struct {
	Typ       string  `json:"typ"`
	Challenge string  `json:"challenge"`
	Origin    *string `json:"origin"`
}

// -------------------------------------------------------------------------
// Token
// -------------------------------------------------------------------------

// Transport carries encapsulated APDUs to one authenticator and returns
// the raw response including its status word. *u2fhid.Device implements
// it.
type Transport interface {
	Msg(ctx context.Context, apdu []byte) ([]byte, error)
}

// Option configures optional Token parameters.
type Option func(*Token)

// WithLogger attaches a logger to the token. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Token) {
		if logger != nil {
			t.logger = logger.With(slog.String("component", "u2ftoken"))
		}
	}
}

// Token exposes the U2F operations of a single authenticator session.
// Like the session it wraps, a Token is exclusive: callers serialize.
type Token struct {
	transport Transport
	logger    *slog.Logger
}

// NewToken wraps an open transport session.
func NewToken(transport Transport, opts ...Option) *Token {
	t := &Token{
		transport: transport,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Version asks the device for its U2F protocol version string. Legacy
// devices that reject the instruction report "v0".
func (t *Token) Version(ctx context.Context) (string, error) {
	payload, err := t.exchange(ctx, "version", insVersion, 0x00, nil)
	if err != nil {
		if fido.StatusOf(err) == StatusInstructionUnsupported {
			return legacyVersion, nil
		}
		return "", err
	}
	return string(payload), nil
}

// Register asks the device to enroll a new credential for the request's
// application. facet is the caller's origin; empty means absent and
// serializes as a null origin in clientData. Register blocks through
// user-presence polling until the device is touched, the context is
// cancelled, or the device fails.
func (t *Token) Register(ctx context.Context, req StartedRegistration, facet string) (*RegisterResponse, error) {
	if err := checkVersion("register", req.Version); err != nil {
		return nil, err
	}

	cd, challengeParam, err := buildClientData(typRegister, req.Challenge, facet)
	if err != nil {
		return nil, err
	}
	appParam := sha256.Sum256([]byte(req.AppID))

	data := make([]byte, 0, 64)
	data = append(data, challengeParam[:]...)
	data = append(data, appParam[:]...)

	payload, err := t.exchangeWithPresence(ctx, "register", insRegister, 0x00, data)
	if err != nil {
		return nil, err
	}

	return &RegisterResponse{
		RegistrationData: websafeB64.EncodeToString(payload),
		ClientData:       websafeB64.EncodeToString(cd),
	}, nil
}

// Authenticate asks the device to sign the request's challenge with the
// credential behind its key handle. With enforcePresence the device
// requires a touch; without it the device signs silently if it supports
// that mode (devices that reject P1=0x08 surface UnsupportedOperation).
func (t *Token) Authenticate(ctx context.Context, req StartedAuthentication, facet string, enforcePresence bool) (*AuthenticateResponse, error) {
	if err := checkVersion("authenticate", req.Version); err != nil {
		return nil, err
	}

	cd, msg, err := buildAuthMessage(req, facet)
	if err != nil {
		return nil, err
	}

	p1 := p1EnforcePresence
	if !enforcePresence {
		p1 = p1SkipPresence
	}

	payload, err := t.exchangeWithPresence(ctx, "authenticate", insAuthenticate, p1, msg)
	if err != nil {
		// Devices without silent-sign support reject the control byte.
		if !enforcePresence && fido.StatusOf(err) == StatusInvalidParam1Or2 {
			return nil, fido.StatusError(fido.KindUnsupportedOperation,
				"authenticate", StatusInvalidParam1Or2)
		}
		return nil, err
	}

	return &AuthenticateResponse{
		ClientData:    websafeB64.EncodeToString(cd),
		SignatureData: websafeB64.EncodeToString(payload),
		KeyHandle:     req.KeyHandle,
	}, nil
}

// CheckKeyHandle probes whether the request's key handle was created by
// this device, without requiring user presence. The probe succeeds only
// through an error status: UserPresenceRequired means the handle is
// valid here, InvalidKeyHandle means it is not. A device answering the
// check-only control byte with success is itself violating the
// protocol.
func (t *Token) CheckKeyHandle(ctx context.Context, req StartedAuthentication) (bool, error) {
	if err := checkVersion("check", req.Version); err != nil {
		return false, err
	}

	_, msg, err := buildAuthMessage(req, "")
	if err != nil {
		return false, err
	}

	_, err = t.exchange(ctx, "check", insAuthenticate, p1CheckOnly, msg)
	switch {
	case err == nil:
		return false, fido.NewError(fido.KindProtocolViolation, "check",
			errors.New("device reported success for a check-only request"))
	case fido.KindOf(err) == fido.KindUserPresenceRequired:
		return true, nil
	case fido.KindOf(err) == fido.KindInvalidKeyHandle:
		return false, nil
	default:
		return false, err
	}
}

// -------------------------------------------------------------------------
// Internals
// -------------------------------------------------------------------------

// checkVersion guards the request version against SupportedVersion.
func checkVersion(op, version string) error {
	if version != SupportedVersion {
		return fido.NewError(fido.KindUnsupportedOperation, op,
			fmt.Errorf("request version %q, supported %q", version, SupportedVersion))
	}
	return nil
}

// buildClientData serializes the clientData JSON and returns it with
// its SHA-256 challenge parameter.
func buildClientData(typ, challenge, facet string) (cd []byte, challengeParam [32]byte, err error) {
	var origin *string
	if facet != "" {
		origin = &facet
	}
	cd, err = json.Marshal(clientData{Typ: typ, Challenge: challenge, Origin: origin})
	if err != nil {
		return nil, challengeParam, fmt.Errorf("marshal clientData: %w", err)
	}
	return cd, sha256.Sum256(cd), nil
}

// buildAuthMessage assembles the authenticate request message:
// challenge parameter, application parameter, key handle length, key
// handle.
func buildAuthMessage(req StartedAuthentication, facet string) (cd, msg []byte, err error) {
	cd, challengeParam, err := buildClientData(typAuthenticate, req.Challenge, facet)
	if err != nil {
		return nil, nil, err
	}
	appParam := sha256.Sum256([]byte(req.AppID))

	keyHandle, err := websafeB64.DecodeString(req.KeyHandle)
	if err != nil {
		return nil, nil, fido.NewError(fido.KindProtocolViolation, "authenticate",
			fmt.Errorf("decode key handle: %w", err))
	}
	if len(keyHandle) == 0 || len(keyHandle) > maxKeyHandleSize {
		return nil, nil, fido.NewError(fido.KindProtocolViolation, "authenticate",
			fmt.Errorf("key handle length %d out of range [1, %d]", len(keyHandle), maxKeyHandleSize))
	}

	msg = make([]byte, 0, 65+len(keyHandle))
	msg = append(msg, challengeParam[:]...)
	msg = append(msg, appParam[:]...)
	msg = append(msg, byte(len(keyHandle)))
	msg = append(msg, keyHandle...)
	return cd, msg, nil
}

// exchange performs one APDU round trip and maps a non-OK status word
// into the error taxonomy.
func (t *Token) exchange(ctx context.Context, op string, ins, p1 byte, data []byte) ([]byte, error) {
	apdu, err := buildAPDU(ins, p1, data)
	if err != nil {
		return nil, err
	}
	resp, err := t.transport.Msg(ctx, apdu)
	if err != nil {
		return nil, err
	}
	payload, status, err := splitResponse(op, resp)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, statusError(op, status)
	}
	return payload, nil
}

// exchangeWithPresence re-issues the APDU while the device polls for a
// touch, pausing between attempts and aborting promptly on ctx
// cancellation. Every other failure escapes unchanged.
func (t *Token) exchangeWithPresence(ctx context.Context, op string, ins, p1 byte, data []byte) ([]byte, error) {
	for {
		payload, err := t.exchange(ctx, op, ins, p1, data)
		if err == nil {
			return payload, nil
		}
		if fido.KindOf(err) != fido.KindUserPresenceRequired {
			return nil, err
		}

		t.logger.Debug("waiting for user presence", slog.String("op", op))
		timer := time.NewTimer(presencePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
