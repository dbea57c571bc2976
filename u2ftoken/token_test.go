package u2ftoken_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/u2ftoken"
)

// fakeTransport replays scripted APDU responses and records requests.
type fakeTransport struct {
	requests  [][]byte
	responses [][]byte
}

func (f *fakeTransport) Msg(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.requests = append(f.requests, append([]byte(nil), apdu...))
	if len(f.responses) == 0 {
		return nil, fido.NewError(fido.KindInterruptedIO, "recv", errors.New("script exhausted"))
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

// status builds a payload-less APDU response.
func status(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

// withStatus appends sw to payload.
func withStatus(payload []byte, sw uint16) []byte {
	return append(append([]byte(nil), payload...), byte(sw>>8), byte(sw))
}

const wantRegisterClientData = `{"typ":"navigator.id.finishEnrollment","challenge":"test","origin":null}`

func registrationRequest() u2ftoken.StartedRegistration {
	return u2ftoken.StartedRegistration{
		AppID:     "foo",
		Challenge: "test",
		Version:   "U2F_V2",
	}
}

func authRequest(keyHandle []byte) u2ftoken.StartedAuthentication {
	return u2ftoken.StartedAuthentication{
		AppID:     "https://demo.example.com",
		Challenge: "opsXqUifDriAAmWclinfbS0e-USY0CgyJHe_Otd7z8o",
		KeyHandle: base64.RawURLEncoding.EncodeToString(keyHandle),
		Version:   "U2F_V2",
	}
}

func TestRegisterAPDUVector(t *testing.T) {
	t.Parallel()

	regData := bytes.Repeat([]byte{0x05}, 77)
	ft := &fakeTransport{responses: [][]byte{withStatus(regData, 0x9000)}}
	tok := u2ftoken.NewToken(ft)

	resp, err := tok.Register(t.Context(), registrationRequest(), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// APDU header: CLA=00 INS=01 P1=00 P2=00, extended Lc of 64.
	apdu := ft.requests[0]
	wantHeader := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x40}
	if !bytes.Equal(apdu[:7], wantHeader) {
		t.Errorf("APDU header = % X, want % X", apdu[:7], wantHeader)
	}

	// Data field: SHA-256(clientData) || SHA-256(appId).
	challengeParam := sha256.Sum256([]byte(wantRegisterClientData))
	appParam := sha256.Sum256([]byte("foo"))
	if !bytes.Equal(apdu[7:39], challengeParam[:]) {
		t.Error("challenge parameter is not SHA-256 of the clientData JSON")
	}
	if !bytes.Equal(apdu[39:71], appParam[:]) {
		t.Error("application parameter is not SHA-256 of the appId")
	}
	if !bytes.Equal(apdu[71:], []byte{0x00, 0x00}) {
		t.Errorf("Le = % X, want 00 00", apdu[71:])
	}

	// Response bundle.
	if got, _ := base64.RawURLEncoding.DecodeString(resp.ClientData); string(got) != wantRegisterClientData {
		t.Errorf("ClientData decodes to %q", got)
	}
	if got, _ := base64.RawURLEncoding.DecodeString(resp.RegistrationData); !bytes.Equal(got, regData) {
		t.Error("RegistrationData does not round-trip the device payload")
	}
}

func TestRegisterClientDataWithFacet(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{responses: [][]byte{withStatus([]byte{1}, 0x9000)}}
	tok := u2ftoken.NewToken(ft)

	resp, err := tok.Register(t.Context(), registrationRequest(), "https://demo.example.com")
	if err != nil {
		t.Fatal(err)
	}
	cd, _ := base64.RawURLEncoding.DecodeString(resp.ClientData)
	want := `{"typ":"navigator.id.finishEnrollment","challenge":"test","origin":"https://demo.example.com"}`
	if string(cd) != want {
		t.Errorf("clientData = %s, want %s", cd, want)
	}
}

func TestRegisterUserPresenceRetry(t *testing.T) {
	t.Parallel()

	// Three touch prompts, then success: the caller sees only the
	// final payload, after four attempts.
	regData := bytes.Repeat([]byte{0xC3}, 77)
	ft := &fakeTransport{responses: [][]byte{
		status(0x6985),
		status(0x6985),
		status(0x6985),
		withStatus(regData, 0x9000),
	}}
	tok := u2ftoken.NewToken(ft)

	resp, err := tok.Register(t.Context(), registrationRequest(), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(ft.requests) != 4 {
		t.Errorf("device saw %d attempts, want 4", len(ft.requests))
	}
	if got, _ := base64.RawURLEncoding.DecodeString(resp.RegistrationData); !bytes.Equal(got, regData) {
		t.Error("RegistrationData mismatch after retries")
	}

	// Each retry re-issued the identical APDU.
	for i := 1; i < len(ft.requests); i++ {
		if !bytes.Equal(ft.requests[i], ft.requests[0]) {
			t.Errorf("attempt %d sent a different APDU", i)
		}
	}
}

func TestRegisterPresenceRetryCancellation(t *testing.T) {
	t.Parallel()

	// The device prompts for a touch indefinitely; cancellation must
	// abort the retry loop promptly.
	ft := &fakeTransport{}
	for range 100 {
		ft.responses = append(ft.responses, status(0x6985))
	}
	tok := u2ftoken.NewToken(ft)

	ctx, cancel := context.WithCancel(t.Context())
	go cancel()

	_, err := tok.Register(ctx, registrationRequest(), "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled retry surfaced %v, want context.Canceled", err)
	}
}

func TestRegisterVersionGuard(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	tok := u2ftoken.NewToken(ft)

	req := registrationRequest()
	req.Version = "U2F_V1"
	_, err := tok.Register(t.Context(), req, "")
	if !errors.Is(err, fido.ErrUnsupportedOperation) {
		t.Errorf("version mismatch: %v, want ErrUnsupportedOperation", err)
	}
	if len(ft.requests) != 0 {
		t.Error("version mismatch still reached the device")
	}
}

func TestRegisterOtherErrorsEscape(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{responses: [][]byte{status(0x6700)}}
	tok := u2ftoken.NewToken(ft)

	_, err := tok.Register(t.Context(), registrationRequest(), "")
	if !errors.Is(err, fido.ErrUnsupportedOperation) {
		t.Errorf("non-presence failure: %v, want ErrUnsupportedOperation", err)
	}
	if len(ft.requests) != 1 {
		t.Errorf("device saw %d attempts, want 1 (no retry)", len(ft.requests))
	}
}

func TestAuthenticateMessageLayout(t *testing.T) {
	t.Parallel()

	keyHandle := bytes.Repeat([]byte{0x7E}, 40)
	sig := []byte{0x01, 0x02, 0x03}
	ft := &fakeTransport{responses: [][]byte{withStatus(sig, 0x9000)}}
	tok := u2ftoken.NewToken(ft)

	req := authRequest(keyHandle)
	resp, err := tok.Authenticate(t.Context(), req, "https://demo.example.com", true)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	apdu := ft.requests[0]
	if apdu[1] != 0x02 || apdu[2] != 0x03 {
		t.Errorf("INS/P1 = %02X/%02X, want 02/03", apdu[1], apdu[2])
	}

	// Data: challenge(32) || app(32) || len(1) || keyHandle(40).
	data := apdu[7 : len(apdu)-2]
	if len(data) != 32+32+1+40 {
		t.Fatalf("data field %d bytes, want 105", len(data))
	}
	appParam := sha256.Sum256([]byte(req.AppID))
	if !bytes.Equal(data[32:64], appParam[:]) {
		t.Error("application parameter mismatch")
	}
	if data[64] != 40 {
		t.Errorf("key handle length byte = %d, want 40", data[64])
	}
	if !bytes.Equal(data[65:], keyHandle) {
		t.Error("key handle bytes mismatch")
	}

	if resp.KeyHandle != req.KeyHandle {
		t.Error("response does not echo the original key handle")
	}
	if got, _ := base64.RawURLEncoding.DecodeString(resp.SignatureData); !bytes.Equal(got, sig) {
		t.Error("SignatureData mismatch")
	}
	cd, _ := base64.RawURLEncoding.DecodeString(resp.ClientData)
	if !bytes.Contains(cd, []byte(`"typ":"navigator.id.getAssertion"`)) {
		t.Errorf("clientData typ wrong: %s", cd)
	}
}

func TestAuthenticateSkipPresence(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{responses: [][]byte{withStatus([]byte{1}, 0x9000)}}
	tok := u2ftoken.NewToken(ft)

	_, err := tok.Authenticate(t.Context(), authRequest([]byte{1, 2, 3}), "", false)
	if err != nil {
		t.Fatal(err)
	}
	if ft.requests[0][2] != 0x08 {
		t.Errorf("P1 = 0x%02X, want 0x08", ft.requests[0][2])
	}
}

func TestAuthenticateSkipPresenceRemap(t *testing.T) {
	t.Parallel()

	// A device rejecting P1=0x08 with InvalidParam1Or2 surfaces
	// UnsupportedOperation.
	ft := &fakeTransport{responses: [][]byte{status(0x6A86)}}
	tok := u2ftoken.NewToken(ft)

	_, err := tok.Authenticate(t.Context(), authRequest([]byte{1}), "", false)
	if !errors.Is(err, fido.ErrUnsupportedOperation) {
		t.Errorf("P1=08 rejection: %v, want ErrUnsupportedOperation", err)
	}
	if fido.StatusOf(err) != 0x6A86 {
		t.Errorf("status = 0x%04X, want 0x6A86", fido.StatusOf(err))
	}
}

func TestAuthenticateBadKeyHandle(t *testing.T) {
	t.Parallel()

	tok := u2ftoken.NewToken(&fakeTransport{})

	req := authRequest([]byte{1})
	req.KeyHandle = "!!! not base64 !!!"
	if _, err := tok.Authenticate(t.Context(), req, "", true); !errors.Is(err, fido.ErrProtocolViolation) {
		t.Errorf("malformed key handle: %v, want ErrProtocolViolation", err)
	}

	req.KeyHandle = base64.RawURLEncoding.EncodeToString(make([]byte, 256))
	if _, err := tok.Authenticate(t.Context(), req, "", true); !errors.Is(err, fido.ErrProtocolViolation) {
		t.Errorf("oversized key handle: %v, want ErrProtocolViolation", err)
	}
}

func TestCheckKeyHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		response  []byte
		want      bool
		wantErr   bool
		checkKind fido.Kind
	}{
		{
			name:     "presence required means valid",
			response: status(0x6985),
			want:     true,
		},
		{
			name:     "invalid key handle means not ours",
			response: status(0x6A80),
			want:     false,
		},
		{
			name:      "success is a protocol violation",
			response:  withStatus([]byte{1, 2}, 0x9000),
			wantErr:   true,
			checkKind: fido.KindProtocolViolation,
		},
		{
			name:      "other failures escape",
			response:  status(0x6700),
			wantErr:   true,
			checkKind: fido.KindUnsupportedOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ft := &fakeTransport{responses: [][]byte{tt.response}}
			tok := u2ftoken.NewToken(ft)

			got, err := tok.CheckKeyHandle(t.Context(), authRequest([]byte{9, 9, 9}))
			if tt.wantErr {
				if err == nil || fido.KindOf(err) != tt.checkKind {
					t.Fatalf("CheckKeyHandle err = %v, want kind %v", err, tt.checkKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckKeyHandle: %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckKeyHandle = %t, want %t", got, tt.want)
			}

			// The probe uses the check-only control byte.
			if ft.requests[0][2] != 0x07 {
				t.Errorf("P1 = 0x%02X, want 0x07", ft.requests[0][2])
			}
		})
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()

	t.Run("modern device", func(t *testing.T) {
		t.Parallel()
		ft := &fakeTransport{responses: [][]byte{withStatus([]byte("U2F_V2"), 0x9000)}}
		got, err := u2ftoken.NewToken(ft).Version(t.Context())
		if err != nil || got != "U2F_V2" {
			t.Errorf("Version = %q, %v", got, err)
		}
	})

	t.Run("legacy device reports v0", func(t *testing.T) {
		t.Parallel()
		ft := &fakeTransport{responses: [][]byte{status(0x6D00)}}
		got, err := u2ftoken.NewToken(ft).Version(t.Context())
		if err != nil || got != "v0" {
			t.Errorf("Version = %q, %v; want v0", got, err)
		}
	})

	t.Run("other failures escape", func(t *testing.T) {
		t.Parallel()
		ft := &fakeTransport{responses: [][]byte{status(0x6E00)}}
		_, err := u2ftoken.NewToken(ft).Version(t.Context())
		if !errors.Is(err, fido.ErrUnsupportedOperation) {
			t.Errorf("Version error = %v", err)
		}
	})
}
