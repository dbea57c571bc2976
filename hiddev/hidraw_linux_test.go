//go:build linux

package hiddev

import (
	"errors"
	"testing"
)

func TestParseHidID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uevent      string
		wantVendor  uint16
		wantProduct uint16
		wantErr     bool
	}{
		{
			name:        "yubikey",
			uevent:      "DRIVER=hid-generic\nHID_ID=0003:00001050:00000407\nHID_NAME=Yubico YubiKey OTP+FIDO+CCID\n",
			wantVendor:  0x1050,
			wantProduct: 0x0407,
		},
		{
			name:        "high product id",
			uevent:      "HID_ID=0003:00002581:0000F1D0",
			wantVendor:  0x2581,
			wantProduct: 0xF1D0,
		},
		{
			name:    "missing hid id",
			uevent:  "DRIVER=hid-generic\nHID_NAME=Something\n",
			wantErr: true,
		},
		{
			name:    "malformed",
			uevent:  "HID_ID=0003:1050\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			vendor, product, err := parseHidID(tt.uevent)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseHidID succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHidID: %v", err)
			}
			if vendor != tt.wantVendor || product != tt.wantProduct {
				t.Errorf("parseHidID = %04X:%04X, want %04X:%04X",
					vendor, product, tt.wantVendor, tt.wantProduct)
			}
		})
	}
}

func TestParseUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		desc      []byte
		wantPage  uint16
		wantUsage uint16
	}{
		{
			// Usage Page (FIDO), Usage (U2F HID), Collection (Application).
			name:      "fido descriptor",
			desc:      []byte{0x06, 0xD0, 0xF1, 0x09, 0x01, 0xA1, 0x01},
			wantPage:  0xF1D0,
			wantUsage: 0x01,
		},
		{
			// Usage Page (Generic Desktop), Usage (Keyboard).
			name:      "keyboard descriptor",
			desc:      []byte{0x05, 0x01, 0x09, 0x06, 0xA1, 0x01},
			wantPage:  0x0001,
			wantUsage: 0x06,
		},
		{
			name:      "empty",
			desc:      nil,
			wantPage:  0,
			wantUsage: 0,
		},
		{
			// Truncated multi-byte item must not panic.
			name:      "truncated item",
			desc:      []byte{0x06, 0xD0},
			wantPage:  0,
			wantUsage: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			page, usage := parseUsage(tt.desc)
			if page != tt.wantPage || usage != tt.wantUsage {
				t.Errorf("parseUsage = %04X/%02X, want %04X/%02X",
					page, usage, tt.wantPage, tt.wantUsage)
			}
		})
	}
}

func TestHidrawDeviceClosed(t *testing.T) {
	t.Parallel()

	d := &hidrawDevice{closed: true}
	if _, err := d.ReadReport(t.Context(), 0); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("ReadReport on closed device: %v, want ErrDeviceClosed", err)
	}
	if err := d.WriteReport(t.Context(), make([]byte, ReportSize), 0); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("WriteReport on closed device: %v, want ErrDeviceClosed", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close on closed device: %v", err)
	}
}
