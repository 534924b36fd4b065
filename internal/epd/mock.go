package epd

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"epdpanel/internal/convert"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
)

// Mock is an in-memory Panel. It mirrors what the real controller would
// show and records every call, which makes it useful both as the
// "render-only" backend and as a test double.
type Mock struct {
	geom model.Geometry

	mu     sync.Mutex
	frame  []byte
	calls  []string
	asleep bool
	fail   map[string]error
}

// NewMock creates a Mock panel of geometry g showing a white screen.
func NewMock(g model.Geometry) *Mock {
	m := &Mock{geom: g, frame: make([]byte, g.FrameSize())}
	fill(m.frame, 0xFF)
	return m
}

// FailOn makes the named primitive ("init", "display", ...) return err.
func (m *Mock) FailOn(call string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail == nil {
		m.fail = map[string]error{}
	}
	m.fail[call] = err
}

// Calls returns the primitives invoked so far, in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Count returns how many times the named primitive was invoked.
func (m *Mock) Count(call string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Asleep reports whether the last power transition was Sleep.
func (m *Mock) Asleep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asleep
}

// Frame returns a copy of the current frame contents.
func (m *Mock) Frame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.frame...)
}

func (m *Mock) record(call string) error {
	m.calls = append(m.calls, call)
	appLog.Debug("mock panel", "call", call)
	return m.fail[call]
}

func (m *Mock) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asleep = false
	return m.record("init")
}

func (m *Mock) InitPartial() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asleep = false
	return m.record("init_partial")
}

func (m *Mock) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("clear"); err != nil {
		return err
	}
	fill(m.frame, 0xFF)
	return nil
}

func (m *Mock) ClearBlack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("clear_black"); err != nil {
		return err
	}
	fill(m.frame, 0x00)
	return nil
}

func (m *Mock) Display(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("display"); err != nil {
		return err
	}
	if len(frame) != len(m.frame) {
		return fmt.Errorf("epd(mock): frame is %d bytes, want %d", len(frame), len(m.frame))
	}
	copy(m.frame, frame)
	return nil
}

func (m *Mock) DisplayPartial(data []byte, r model.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("display_partial"); err != nil {
		return err
	}
	convert.Blit(m.frame, m.geom, r, data)
	return nil
}

func (m *Mock) Sleep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asleep = true
	return m.record("sleep")
}

func (m *Mock) Close() error { return nil }

// Preview renders the current frame.
func (m *Mock) Preview() (image.Image, error) {
	frame := m.Frame()
	if len(frame) == 0 {
		return nil, errors.New("epd(mock): no frame")
	}
	return convert.Unpack(frame, m.geom)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
