package epd

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"epdpanel/internal/model"
)

// Pins holds BCM GPIO numbers for the panel's control lines. PWR is
// optional (zero means not wired).
type Pins struct {
	CS, DC, RST, BUSY, PWR int
}

// maxChunk is the largest single SPI transfer; spidev defaults to a 4 KiB
// buffer.
const maxChunk = 4096

// busyTimeout bounds how long we wait for the controller to go idle. A
// full refresh takes a few seconds.
const busyTimeout = 30 * time.Second

// txer is the part of spi.Conn the driver uses.
type txer interface {
	Tx(w, r []byte) error
}

// Dev wraps the SPI connection and GPIO lines of the panel HAT.
type Dev struct {
	spi txer

	cs   gpio.PinOut
	dc   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn
	pwr  gpio.PinOut
}

// Driver implements Panel for the Waveshare 7.5" V2 controller.
type Driver struct {
	dev  *Dev
	geom model.Geometry
	port spi.PortCloser

	delay func(time.Duration)
	now   func() time.Time
}

var _ Panel = (*Driver)(nil)

// Open initializes periph.io, opens the SPI port, configures the GPIO
// lines, and returns a ready-to-use Driver. It does not touch the panel
// registers; call Init for that.
func Open(portName string, pins Pins, g model.Geometry) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}

	conn, err := port.Connect(4*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	out := func(num int, level gpio.Level) (gpio.PinOut, error) {
		name := fmt.Sprintf("GPIO%d", num)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		if err := p.Out(level); err != nil {
			return nil, fmt.Errorf("epd: gpio %s Out failed: %w", name, err)
		}
		return p, nil
	}

	dev := &Dev{spi: conn}
	var errs []error
	var e error
	dev.cs, e = out(pins.CS, gpio.High)
	errs = append(errs, e)
	dev.dc, e = out(pins.DC, gpio.Low)
	errs = append(errs, e)
	dev.rst, e = out(pins.RST, gpio.High)
	errs = append(errs, e)
	if pins.PWR > 0 {
		dev.pwr, e = out(pins.PWR, gpio.High)
		errs = append(errs, e)
	}

	busyName := fmt.Sprintf("GPIO%d", pins.BUSY)
	busy := gpioreg.ByName(busyName)
	if busy == nil {
		errs = append(errs, fmt.Errorf("epd: gpio %s not found", busyName))
	} else if err := busy.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		errs = append(errs, fmt.Errorf("epd: gpio %s In failed: %w", busyName, err))
	} else {
		dev.busy = busy
	}

	if err := errors.Join(errs...); err != nil {
		_ = port.Close()
		return nil, err
	}

	d := newDriver(dev, g)
	d.port = port
	return d, nil
}

func newDriver(dev *Dev, g model.Geometry) *Driver {
	return &Driver{
		dev:   dev,
		geom:  g,
		delay: time.Sleep,
		now:   time.Now,
	}
}

// Close cuts panel power (if wired) and releases the SPI port.
func (d *Driver) Close() error {
	if d.dev.pwr != nil {
		_ = d.dev.pwr.Out(gpio.Low)
	}
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}

// --- low-level helpers ---

func (d *Driver) sendCommand(reg byte) error {
	_ = d.dev.dc.Out(gpio.Low)
	_ = d.dev.cs.Out(gpio.Low)
	err := d.dev.spi.Tx([]byte{reg}, nil)
	_ = d.dev.cs.Out(gpio.High)
	return err
}

func (d *Driver) sendData(data ...byte) error {
	_ = d.dev.dc.Out(gpio.High)
	_ = d.dev.cs.Out(gpio.Low)
	defer func() { _ = d.dev.cs.Out(gpio.High) }()
	for len(data) > 0 {
		n := min(len(data), maxChunk)
		if err := d.dev.spi.Tx(data[:n], nil); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (d *Driver) command(reg byte, data ...byte) error {
	if err := d.sendCommand(reg); err != nil {
		return fmt.Errorf("epd: command 0x%02X: %w", reg, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.sendData(data...); err != nil {
		return fmt.Errorf("epd: data for 0x%02X: %w", reg, err)
	}
	return nil
}

// reset pulses the reset line.
func (d *Driver) reset() {
	_ = d.dev.rst.Out(gpio.High)
	d.delay(20 * time.Millisecond)
	_ = d.dev.rst.Out(gpio.Low)
	d.delay(2 * time.Millisecond)
	_ = d.dev.rst.Out(gpio.High)
	d.delay(20 * time.Millisecond)
}

// waitIdle polls the controller until BUSY goes high. BUSY=0 means busy.
func (d *Driver) waitIdle() error {
	deadline := d.now().Add(busyTimeout)
	for {
		if err := d.sendCommand(0x71); err != nil {
			return fmt.Errorf("epd: get status: %w", err)
		}
		if d.dev.busy.Read() == gpio.High {
			break
		}
		if d.now().After(deadline) {
			return errors.New("epd: timed out waiting for panel to become idle")
		}
		d.delay(5 * time.Millisecond)
	}
	d.delay(20 * time.Millisecond)
	return nil
}

func (d *Driver) powerOn() error {
	if err := d.command(0x04); err != nil {
		return err
	}
	d.delay(100 * time.Millisecond)
	return d.waitIdle()
}

func (d *Driver) turnOnDisplay() error {
	if err := d.command(0x12); err != nil {
		return err
	}
	d.delay(100 * time.Millisecond)
	return d.waitIdle()
}

// fillPlanes writes old (0x10) and new (0x13) data planes with constants.
func (d *Driver) fillPlanes(old, cur byte) error {
	size := d.geom.FrameSize()
	plane := make([]byte, size)

	fill(plane, old)
	if err := d.command(0x10, plane...); err != nil {
		return err
	}
	fill(plane, cur)
	if err := d.command(0x13, plane...); err != nil {
		return err
	}
	return d.turnOnDisplay()
}

// --- Panel primitives ---

// Init runs the full-refresh power-up sequence.
func (d *Driver) Init() error {
	if d.dev.pwr != nil {
		_ = d.dev.pwr.Out(gpio.High)
	}
	d.reset()

	// Power setting: VGH=20V, VGL=-20V, VDH=15V, VDL=-15V.
	if err := d.command(0x01, 0x07, 0x07, 0x3F, 0x3F); err != nil {
		return err
	}
	// Booster soft start.
	if err := d.command(0x06, 0x17, 0x17, 0x28, 0x17); err != nil {
		return err
	}
	if err := d.powerOn(); err != nil {
		return err
	}
	// Panel setting: KW mode, LUT from OTP.
	if err := d.command(0x00, 0x1F); err != nil {
		return err
	}
	// Resolution.
	w, h := uint16(d.geom.Width), uint16(d.geom.Height)
	if err := d.command(0x61, byte(w>>8), byte(w), byte(h>>8), byte(h)); err != nil {
		return err
	}
	// Dual SPI off.
	if err := d.command(0x15, 0x00); err != nil {
		return err
	}
	// VCOM and data interval.
	if err := d.command(0x50, 0x10, 0x07); err != nil {
		return err
	}
	// TCON.
	return d.command(0x60, 0x22)
}

// InitPartial runs the partial-refresh power-up sequence.
func (d *Driver) InitPartial() error {
	if d.dev.pwr != nil {
		_ = d.dev.pwr.Out(gpio.High)
	}
	d.reset()

	if err := d.command(0x00, 0x1F); err != nil {
		return err
	}
	if err := d.powerOn(); err != nil {
		return err
	}
	// Cascade setting + force temperature for the fast partial waveform.
	if err := d.command(0xE0, 0x02); err != nil {
		return err
	}
	return d.command(0xE5, 0x6E)
}

func (d *Driver) Clear() error {
	return d.fillPlanes(0xFF, 0x00)
}

func (d *Driver) ClearBlack() error {
	return d.fillPlanes(0x00, 0xFF)
}

// Display draws a full packed frame (stride*height bytes, 1 = white).
func (d *Driver) Display(frame []byte) error {
	if len(frame) != d.geom.FrameSize() {
		return fmt.Errorf("epd: invalid buffer size %d, expected %d bytes", len(frame), d.geom.FrameSize())
	}

	if err := d.command(0x10, frame...); err != nil {
		return err
	}
	inv := make([]byte, len(frame))
	for i, b := range frame {
		inv[i] = ^b
	}
	if err := d.command(0x13, inv...); err != nil {
		return err
	}
	return d.turnOnDisplay()
}

// DisplayPartial draws data into region r using the partial window.
func (d *Driver) DisplayPartial(data []byte, r model.Region) error {
	if len(data) != r.Size() {
		return fmt.Errorf("epd: invalid partial buffer size %d, expected %d bytes", len(data), r.Size())
	}
	if r.W == 0 || r.H == 0 || !d.geom.Contains(r) {
		return fmt.Errorf("epd: region %v outside %dx%d panel", r, d.geom.Width, d.geom.Height)
	}

	if err := d.command(0x50, 0xA9, 0x07); err != nil {
		return err
	}
	// Enter partial mode.
	if err := d.command(0x91); err != nil {
		return err
	}
	xs, ys := r.X, r.Y
	xe, ye := r.X+r.W-1, r.Y+r.H-1
	if err := d.command(0x90,
		byte(xs>>8), byte(xs),
		byte(xe>>8), byte(xe),
		byte(ys>>8), byte(ys),
		byte(ye>>8), byte(ye),
		0x01,
	); err != nil {
		return err
	}
	if err := d.command(0x13, data...); err != nil {
		return err
	}
	return d.turnOnDisplay()
}

// Sleep powers off and enters deep sleep. Init is required afterwards.
func (d *Driver) Sleep() error {
	if err := d.command(0x02); err != nil {
		return err
	}
	if err := d.waitIdle(); err != nil {
		return err
	}
	return d.command(0x07, 0xA5)
}
