// Package epd drives the Waveshare 7.5" V2 black/white e-paper panel.
//
// Two backends implement Panel: Driver talks to the controller over SPI
// and GPIO through periph.io, and Mock keeps frames in memory for
// development machines and tests.
package epd

import (
	"image"

	"epdpanel/internal/model"
)

// Panel is the set of vendor-style primitives the display worker sequences.
// Implementations are not safe for concurrent use; only the worker calls
// them.
type Panel interface {
	// Init wakes the controller and configures full-refresh mode.
	Init() error
	// InitPartial wakes the controller and configures partial-refresh mode.
	InitPartial() error
	// Clear paints the whole panel white.
	Clear() error
	// ClearBlack paints the whole panel black.
	ClearBlack() error
	// Display draws a full packed frame.
	Display(frame []byte) error
	// DisplayPartial draws a packed bitmap into region r.
	DisplayPartial(data []byte, r model.Region) error
	// Sleep powers the controller down into deep sleep.
	Sleep() error
	Close() error
}

// Previewer is implemented by panels that can render what they show.
type Previewer interface {
	Preview() (image.Image, error)
}
