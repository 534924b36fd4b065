package convert

import (
	"fmt"
	"image"
	"image/color"

	"epdpanel/internal/model"
)

// Packing rules (Waveshare 7.5" V2 black/white):
//
//   - y-major, MSB-first 1bpp:
//     byteIndex = y * stride + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - a set bit is white, a cleared bit is black ink.

// Pack converts img into a full packed frame for g.
//
//   - img must be at least g.Width x g.Height; larger images are center
//     cropped.
//   - transparent pixels (alpha < 128) are white.
//   - pixels darker than threshold (luma 0..255) are black.
func Pack(img image.Image, g model.Geometry, threshold uint8) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() < g.Width || b.Dy() < g.Height {
		return nil, fmt.Errorf("convert: expected at least %dx%d, got %dx%d",
			g.Width, g.Height, b.Dx(), b.Dy())
	}

	startX := b.Min.X + (b.Dx()-g.Width)/2
	startY := b.Min.Y + (b.Dy()-g.Height)/2
	stride := g.Stride()

	out := make([]byte, g.FrameSize())
	for i := range out {
		out[i] = 0xFF
	}

	for py := 0; py < g.Height; py++ {
		for px := 0; px < g.Width; px++ {
			c := color.NRGBAModel.Convert(img.At(startX+px, startY+py)).(color.NRGBA)
			if c.A < 128 || luma(c) >= float64(threshold) {
				continue
			}
			out[py*stride+(px>>3)] &^= byte(0x80 >> (px & 7))
		}
	}

	return out, nil
}

// Unpack renders a packed frame back into a grayscale image, used for the
// preview endpoint.
func Unpack(frame []byte, g model.Geometry) (*image.Gray, error) {
	if len(frame) != g.FrameSize() {
		return nil, fmt.Errorf("convert: frame is %d bytes, want %d", len(frame), g.FrameSize())
	}
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	stride := g.Stride()
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if frame[y*stride+(x>>3)]&(0x80>>(x&7)) != 0 {
				img.Pix[y*img.Stride+x] = 0xFF
			}
		}
	}
	return img, nil
}

// Blit copies a packed region bitmap into a full packed frame. The region
// must start on a byte boundary horizontally; unaligned X is rounded down.
func Blit(frame []byte, g model.Geometry, r model.Region, data []byte) {
	stride := g.Stride()
	rowBytes := int(r.W / 8)
	x0 := int(r.X / 8)
	if x0 >= stride || len(data) < r.Size() || len(frame) != g.FrameSize() {
		return
	}
	for row := 0; row < int(r.H); row++ {
		y := int(r.Y) + row
		if y >= g.Height {
			return
		}
		src := data[row*rowBytes : (row+1)*rowBytes]
		dst := frame[y*stride+x0:]
		n := min(len(src), stride-x0)
		copy(dst[:n], src[:n])
	}
}

// luma is the perceptual brightness Y = 0.299R + 0.587G + 0.114B.
func luma(c color.NRGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}
