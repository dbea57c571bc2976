package fidohost_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dantte-lp/gofido/hiddev"
	"github.com/dantte-lp/gofido/u2fhid"
)

// mockRaw is a minimal scripted authenticator: it answers INIT with a
// fixed channel so u2fhid.Open succeeds (or with ChannelBusy when
// busy), and times out on everything else.
type mockRaw struct {
	mu      sync.Mutex
	channel uint32
	busy    bool
	queue   [][]byte
	closed  int
}

func (m *mockRaw) ReadReport(ctx context.Context, _ time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, fmt.Errorf("mock: %w", hiddev.ErrReadTimeout)
	}
	r := m.queue[0]
	m.queue = m.queue[1:]
	return r, nil
}

func (m *mockRaw) WriteReport(ctx context.Context, report []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if report[4] != u2fhid.CmdInit {
		return nil
	}

	resp := make([]byte, u2fhid.FrameSize)
	binary.BigEndian.PutUint32(resp[0:4], u2fhid.BroadcastChannel)
	if m.busy {
		resp[4] = u2fhid.CmdError
		resp[6] = 0x01
		resp[7] = byte(u2fhid.ErrCodeChannelBusy)
	} else {
		resp[4] = u2fhid.CmdInit
		resp[6] = 17
		copy(resp[7:15], report[7:15]) // echo nonce
		binary.BigEndian.PutUint32(resp[15:19], m.channel)
		resp[19] = 2          // protocol version
		resp[20], resp[21], resp[22] = 1, 0, 0
		resp[23] = u2fhid.CapWink
	}
	m.queue = append(m.queue, resp)
	return nil
}

func (m *mockRaw) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockRaw) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockEnum is a mutable device list supporting hot-plug simulation.
// Open hands out a fresh mockRaw per call; opened tracks every handle
// so tests can assert release.
type mockEnum struct {
	mu     sync.Mutex
	infos  []hiddev.DeviceInfo
	busy   map[string]bool
	opened []*mockRaw
}

func newMockEnum(paths ...string) *mockEnum {
	e := &mockEnum{busy: make(map[string]bool)}
	for _, p := range paths {
		e.plug(p)
	}
	return e
}

func (e *mockEnum) plug(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infos = append(e.infos, hiddev.DeviceInfo{
		Path:      path,
		VendorID:  0x1050,
		ProductID: 0x0120,
		UsagePage: hiddev.FIDOUsagePage,
		Usage:     hiddev.FIDOUsage,
	})
}

func (e *mockEnum) setBusy(path string, busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy[path] = busy
}

func (e *mockEnum) Devices() ([]hiddev.DeviceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]hiddev.DeviceInfo(nil), e.infos...), nil
}

func (e *mockEnum) Open(info hiddev.DeviceInfo) (hiddev.RawDevice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw := &mockRaw{
		channel: uint32(0x1000 + len(e.opened)),
		busy:    e.busy[info.Path],
	}
	e.opened = append(e.opened, raw)
	return raw, nil
}

func (e *mockEnum) openHandles() []*mockRaw {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*mockRaw(nil), e.opened...)
}
