//go:build linux

package hiddev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// sysClassHidraw is the sysfs directory listing hidraw nodes.
const sysClassHidraw = "/sys/class/hidraw"

// pollSlice is the granularity of the poll(2) loop. Each slice ends
// with a ctx check so cancellation is observed within one slice even
// when the OS timeout is longer.
const pollSlice = 100 * time.Millisecond

// hidrawEnumerator is the Linux Enumerator backed by sysfs + hidraw.
type hidrawEnumerator struct{}

// SystemEnumerator returns the platform's HID enumerator.
func SystemEnumerator() Enumerator {
	return hidrawEnumerator{}
}

// Devices walks /sys/class/hidraw and returns every node whose vendor,
// product and usage identity could be read. Nodes that disappear
// mid-walk (hot unplug) are skipped, not reported as errors.
func (hidrawEnumerator) Devices() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysClassHidraw)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("enumerate hidraw: %w", err)
	}

	var infos []DeviceInfo
	for _, e := range entries {
		info, err := readDeviceInfo(e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Open opens the hidraw node for read/write report I/O.
func (hidrawEnumerator) Open(info DeviceInfo) (RawDevice, error) {
	f, err := os.OpenFile(info.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.Path, err)
	}
	return &hidrawDevice{f: f}, nil
}

// readDeviceInfo assembles a DeviceInfo from the sysfs files of one
// hidraw node: HID_ID from the uevent for vendor/product, and the
// report descriptor for the usage identity.
func readDeviceInfo(node string) (DeviceInfo, error) {
	base := filepath.Join(sysClassHidraw, node, "device")

	uevent, err := os.ReadFile(filepath.Join(base, "uevent"))
	if err != nil {
		return DeviceInfo{}, err
	}
	vendor, product, err := parseHidID(string(uevent))
	if err != nil {
		return DeviceInfo{}, err
	}

	desc, err := os.ReadFile(filepath.Join(base, "report_descriptor"))
	if err != nil {
		return DeviceInfo{}, err
	}
	page, usage := parseUsage(desc)

	return DeviceInfo{
		Path:      filepath.Join("/dev", node),
		VendorID:  vendor,
		ProductID: product,
		UsagePage: page,
		Usage:     usage,
	}, nil
}

// parseHidID extracts vendor and product ids from a sysfs uevent block
// containing a line like "HID_ID=0003:00001050:00000407".
func parseHidID(uevent string) (vendor, product uint16, err error) {
	for _, line := range strings.Split(uevent, "\n") {
		val, ok := strings.CutPrefix(line, "HID_ID=")
		if !ok {
			continue
		}
		parts := strings.Split(strings.TrimSpace(val), ":")
		if len(parts) != 3 {
			return 0, 0, fmt.Errorf("malformed HID_ID %q", val)
		}
		v, err := strconv.ParseUint(parts[1], 16, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("parse HID_ID vendor: %w", err)
		}
		p, err := strconv.ParseUint(parts[2], 16, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("parse HID_ID product: %w", err)
		}
		return uint16(v), uint16(p), nil
	}
	return 0, 0, errors.New("uevent has no HID_ID")
}

// parseUsage scans a HID report descriptor for the usage page and usage
// of the first top-level collection. Only short items are interpreted;
// long items (prefix 0xFE) are skipped by their declared size.
func parseUsage(desc []byte) (page, usage uint16) {
	var havePage, haveUsage bool
	for i := 0; i < len(desc); {
		prefix := desc[i]
		i++

		if prefix == 0xFE { // long item: size byte, tag byte, data
			if i >= len(desc) {
				break
			}
			i += int(desc[i]) + 2
			continue
		}

		size := int(prefix & 0x03)
		if size == 3 {
			size = 4
		}
		if i+size > len(desc) {
			break
		}
		var value uint32
		for j := 0; j < size; j++ {
			value |= uint32(desc[i+j]) << (8 * j)
		}
		i += size

		switch prefix & 0xFC {
		case 0x04: // Usage Page (global)
			if !havePage {
				page = uint16(value)
				havePage = true
			}
		case 0x08: // Usage (local)
			if !haveUsage {
				usage = uint16(value)
				haveUsage = true
			}
		case 0xA0: // Collection
			return page, usage
		}
		if havePage && haveUsage {
			return page, usage
		}
	}
	return page, usage
}

// -------------------------------------------------------------------------
// hidrawDevice — RawDevice over /dev/hidrawN
// -------------------------------------------------------------------------

// hidrawDevice implements RawDevice over an open hidraw node.
type hidrawDevice struct {
	f      *os.File
	closed bool
}

// ReadReport polls the node until a report arrives, the timeout
// expires, or ctx is cancelled. FIDO devices use unnumbered reports, so
// the kernel returns the 64-byte payload with no report-id prefix.
func (d *hidrawDevice) ReadReport(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if err := d.waitReady(ctx, timeout, unix.POLLIN); err != nil {
		if errors.Is(err, errPollTimeout) {
			return nil, fmt.Errorf("read %s: %w", d.f.Name(), ErrReadTimeout)
		}
		return nil, err
	}

	buf := make([]byte, ReportSize)
	n, err := d.f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.f.Name(), err)
	}
	return buf[:n], nil
}

// WriteReport writes one report. The kernel expects the report number
// as the first byte; unnumbered reports use zero.
func (d *hidrawDevice) WriteReport(ctx context.Context, report []byte, timeout time.Duration) error {
	if d.closed {
		return ErrDeviceClosed
	}
	if len(report) != ReportSize {
		return fmt.Errorf("write %s: got %d bytes: %w", d.f.Name(), len(report), ErrReportSize)
	}
	if err := d.waitReady(ctx, timeout, unix.POLLOUT); err != nil {
		if errors.Is(err, errPollTimeout) {
			return fmt.Errorf("write %s: %w", d.f.Name(), ErrWriteTimeout)
		}
		return err
	}

	buf := make([]byte, 1+ReportSize)
	copy(buf[1:], report)
	if _, err := d.f.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", d.f.Name(), err)
	}
	return nil
}

// Close releases the node. Idempotent.
func (d *hidrawDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}

// errPollTimeout is the internal marker for an expired poll deadline.
var errPollTimeout = errors.New("poll timeout")

// waitReady polls the fd for the given events in pollSlice steps so ctx
// cancellation is observed promptly. EINTR restarts the current slice.
func (d *hidrawDevice) waitReady(ctx context.Context, timeout time.Duration, events int16) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errPollTimeout
		}
		slice := min(remaining, pollSlice)

		fds := []unix.PollFd{{Fd: int32(d.f.Fd()), Events: events}}
		n, err := unix.Poll(fds, int(slice.Milliseconds())+1)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return fmt.Errorf("poll %s: %w", d.f.Name(), err)
		case n > 0:
			return nil
		}
	}
}
