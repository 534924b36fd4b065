package convert

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdpanel/internal/model"
)

var small = model.Geometry{Width: 16, Height: 2}

func TestPackBlackAndWhite(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 16, 2))
	for x := 0; x < 16; x++ {
		img.Set(x, 0, color.White)
		img.Set(x, 1, color.White)
	}
	img.Set(0, 0, color.Black)
	img.Set(9, 1, color.Black)
	// Transparent black stays white.
	img.Set(15, 0, color.NRGBA{A: 0})

	out, err := Pack(img, small, 128)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7F, 0xFF, 0xFF, 0xBF}, out)
}

func TestPackCentersLargerImage(t *testing.T) {
	t.Parallel()

	img := image.NewGray(image.Rect(0, 0, 18, 4))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	// (1,1) is the top-left of the cropped area.
	img.SetGray(1, 1, color.Gray{Y: 0})

	out, err := Pack(img, small, 128)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), out[0])
}

func TestPackTooSmall(t *testing.T) {
	t.Parallel()

	_, err := Pack(image.NewGray(image.Rect(0, 0, 8, 2)), small, 128)
	assert.Error(t, err)
}

func TestUnpackInvertsPack(t *testing.T) {
	t.Parallel()

	frame := []byte{0x7F, 0xFF, 0xFF, 0xBF}
	img, err := Unpack(frame, small)
	require.NoError(t, err)

	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0xFF), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(9, 1).Y)

	again, err := Pack(img, small, 128)
	require.NoError(t, err)
	assert.Equal(t, frame, again)
}

func TestUnpackWrongSize(t *testing.T) {
	t.Parallel()

	_, err := Unpack([]byte{0}, small)
	assert.Error(t, err)
}

func TestBlit(t *testing.T) {
	t.Parallel()

	g := model.Geometry{Width: 32, Height: 3}
	frame := make([]byte, g.FrameSize())

	Blit(frame, g, model.Region{X: 8, Y: 1, W: 16, H: 2}, []byte{1, 2, 3, 4})

	assert.Equal(t, []byte{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
	}, frame)
}

func TestBlitIgnoresShortData(t *testing.T) {
	t.Parallel()

	g := model.Geometry{Width: 16, Height: 2}
	frame := make([]byte, g.FrameSize())
	Blit(frame, g, model.Region{W: 16, H: 2}, []byte{1})
	assert.Equal(t, make([]byte, 4), frame)
}
