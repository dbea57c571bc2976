// Package hiddev provides the OS HID primitives the gofido stack is
// built on: device enumeration, raw 64-byte report I/O with timeouts,
// and the static vendor/product name database.
//
// The package exposes small interfaces (RawDevice, Enumerator) so the
// transport and discovery layers can be tested against in-memory fakes;
// the Linux implementation is backed by /dev/hidraw and sysfs.
package hiddev

import (
	"context"
	"errors"
	"time"
)

// ReportSize is the fixed HID report size used by the FIDO usage:
// every report read from or written to a RawDevice is exactly 64 bytes.
const ReportSize = 64

// FIDO HID usage identity. Authenticators expose a HID collection with
// usage page 0xF1D0 and usage 0x01; everything else is filtered out
// during enumeration.
const (
	FIDOUsagePage uint16 = 0xF1D0
	FIDOUsage     uint16 = 0x01
)

// Sentinel errors for the OS HID layer.
var (
	// ErrReadTimeout indicates no report arrived within the timeout.
	ErrReadTimeout = errors.New("hid read timeout")

	// ErrWriteTimeout indicates the device did not accept a report
	// within the timeout.
	ErrWriteTimeout = errors.New("hid write timeout")

	// ErrDeviceClosed is returned for operations on a closed device.
	ErrDeviceClosed = errors.New("hid device closed")

	// ErrReportSize indicates a report that is not exactly ReportSize
	// bytes was passed to WriteReport.
	ErrReportSize = errors.New("hid report must be 64 bytes")

	// ErrUnsupportedPlatform is returned by Open on platforms without
	// a hidraw-equivalent backend; Devices there reports no devices.
	ErrUnsupportedPlatform = errors.New("hid: unsupported platform")
)

// DeviceInfo describes one HID device visible to the OS.
type DeviceInfo struct {
	// Path is the platform-specific device node (e.g. /dev/hidraw3).
	Path string

	// VendorID is the USB vendor id.
	VendorID uint16

	// ProductID is the USB product id.
	ProductID uint16

	// UsagePage is the HID usage page of the device's top-level
	// collection.
	UsagePage uint16

	// Usage is the HID usage of the device's top-level collection.
	Usage uint16
}

// IsFIDO reports whether the device presents the FIDO usage identity.
func (d DeviceInfo) IsFIDO() bool {
	return d.UsagePage == FIDOUsagePage && d.Usage == FIDOUsage
}

// ProductName returns the human-readable "Vendor Model" name for the
// device from the name database. ok is false for unknown hardware.
func (d DeviceInfo) ProductName() (name string, ok bool) {
	return LookupName(d.VendorID, d.ProductID)
}

// RawDevice is an open OS HID handle. Reports are exactly ReportSize
// bytes; both directions honor an OS-level timeout and observe ctx
// cancellation between polls.
//
// A RawDevice is not safe for concurrent use; the owning session
// serializes access.
type RawDevice interface {
	// ReadReport reads one 64-byte report. It returns ErrReadTimeout
	// (wrapped) when no report arrives in time and ctx.Err() when the
	// context is cancelled first.
	ReadReport(ctx context.Context, timeout time.Duration) ([]byte, error)

	// WriteReport writes one 64-byte report.
	WriteReport(ctx context.Context, report []byte, timeout time.Duration) error

	// Close releases the OS handle. Close is idempotent.
	Close() error
}

// Enumerator lists HID devices and opens handles to them. The platform
// backend implements it for real hardware; fidohost accepts any
// Enumerator so tests can substitute fakes.
type Enumerator interface {
	// Devices returns every HID device currently visible.
	Devices() ([]DeviceInfo, error)

	// Open opens an OS handle to the given device.
	Open(info DeviceInfo) (RawDevice, error)
}

// FIDODevices filters infos down to FIDO authenticators.
func FIDODevices(infos []DeviceInfo) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range infos {
		if d.IsFIDO() {
			out = append(out, d)
		}
	}
	return out
}
